package restapi

import (
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/eric-warren/bus-tracker/internal/schedule"
)

// dateParam parses a yyyymmdd query parameter in the agency's timezone,
// defaulting to the current service date when absent.
func (api *RestAPI) dateParam(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return api.Resolver.CurrentServiceDate(), nil
	}
	return time.ParseInLocation(schedule.DateLayout, raw, api.Resolver.Location())
}

func (api *RestAPI) serviceIDsHandler(w http.ResponseWriter, r *http.Request) {
	date, err := api.dateParam(r, "date")
	if err != nil {
		api.sendError(w, r, http.StatusBadRequest, "date must be yyyymmdd")
		return
	}

	version, err := api.Resolver.ResolveVersion(r.Context(), date)
	if errors.Is(err, schedule.ErrNoScheduleAvailable) {
		api.sendNotFound(w, r, "no schedule covers the requested date")
		return
	}
	if err != nil {
		api.serverErrorResponse(w, r, err)
		return
	}

	set, err := api.Resolver.ResolveServiceIDs(r.Context(), version.Version, date)
	if err != nil {
		api.serverErrorResponse(w, r, err)
		return
	}

	ids := schedule.ServiceIDList(set)
	sort.Strings(ids)

	api.sendData(w, r, map[string]any{
		"date":        date.Format(schedule.DateLayout),
		"gtfsVersion": version.Version,
		"serviceIds":  ids,
	})
}

func (api *RestAPI) scheduleVersionHandler(w http.ResponseWriter, r *http.Request) {
	date, err := api.dateParam(r, "date")
	if err != nil {
		api.sendError(w, r, http.StatusBadRequest, "date must be yyyymmdd")
		return
	}

	version, err := api.Resolver.ResolveVersion(r.Context(), date)
	if errors.Is(err, schedule.ErrNoScheduleAvailable) {
		api.sendNotFound(w, r, "no schedule covers the requested date")
		return
	}
	if err != nil {
		api.serverErrorResponse(w, r, err)
		return
	}

	api.sendData(w, r, map[string]any{
		"date":       date.Format(schedule.DateLayout),
		"version":    version.Version,
		"importedAt": version.ImportedAt,
	})
}

func (api *RestAPI) serviceDayHandler(w http.ResponseWriter, r *http.Request) {
	date, err := api.dateParam(r, "date")
	if err != nil {
		api.sendError(w, r, http.StatusBadRequest, "date must be yyyymmdd")
		return
	}

	start, end := api.Resolver.ServiceDayBoundaries(date)

	api.sendData(w, r, map[string]any{
		"serviceDate": date.Format(schedule.DateLayout),
		"windowStart": start.Unix(),
		"windowEnd":   end.Unix(),
		"isCurrent":   api.Resolver.IsCurrentServiceDay(date),
	})
}
