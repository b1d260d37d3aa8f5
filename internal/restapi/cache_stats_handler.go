package restapi

import "net/http"

func (api *RestAPI) cacheStatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := api.Cache.Stats(r.Context())
	if err != nil {
		api.serverErrorResponse(w, r, err)
		return
	}

	api.sendData(w, r, map[string]any{
		"totalEntries":         stats.TotalEntries,
		"datesWithCache":       stats.DatesWithCache,
		"oldestDate":           stats.OldestDate.String,
		"newestDate":           stats.NewestDate.String,
		"approximateSizeBytes": stats.ApproximateSize,
	})
}
