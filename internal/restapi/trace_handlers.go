package restapi

import (
	"errors"
	"net/http"

	"github.com/eric-warren/bus-tracker/internal/schedule"
	"github.com/eric-warren/bus-tracker/internal/trace"
)

func (api *RestAPI) traceHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	blockID := q.Get("blockId")
	busID := q.Get("busId")

	if (blockID == "") == (busID == "") {
		api.sendError(w, r, http.StatusBadRequest, "exactly one of blockId or busId is required")
		return
	}

	date, err := api.dateParam(r, "date")
	if err != nil {
		api.sendError(w, r, http.StatusBadRequest, "date must be yyyymmdd")
		return
	}

	var blocks map[string][]trace.TripDetail
	if blockID != "" {
		blocks, err = api.Tracer.TraceBlock(r.Context(), blockID, date)
	} else {
		blocks, err = api.Tracer.TraceBus(r.Context(), busID, date)
	}
	if errors.Is(err, trace.ErrNoActiveBlock) {
		api.sendNotFound(w, r, "no active block for the requested day")
		return
	}
	if errors.Is(err, schedule.ErrNoScheduleAvailable) {
		api.sendNotFound(w, r, "no schedule covers the requested date")
		return
	}
	if err != nil {
		api.serverErrorResponse(w, r, err)
		return
	}

	api.sendData(w, r, map[string]any{
		"date":   date.Format(schedule.DateLayout),
		"blocks": blocks,
	})
}

func (api *RestAPI) cancellationStreakHandler(w http.ResponseWriter, r *http.Request) {
	blockID := r.URL.Query().Get("blockId")
	if blockID == "" {
		api.sendError(w, r, http.StatusBadRequest, "blockId is required")
		return
	}

	date, err := api.dateParam(r, "date")
	if err != nil {
		api.sendError(w, r, http.StatusBadRequest, "date must be yyyymmdd")
		return
	}

	streak, err := api.Tracer.CancellationStreak(r.Context(), blockID, date)
	if errors.Is(err, trace.ErrNoActiveBlock) {
		api.sendNotFound(w, r, "no such block on the requested day")
		return
	}
	if errors.Is(err, schedule.ErrNoScheduleAvailable) {
		api.sendNotFound(w, r, "no schedule covers the requested date")
		return
	}
	if err != nil {
		api.serverErrorResponse(w, r, err)
		return
	}

	api.sendData(w, r, map[string]any{
		"blockId": blockID,
		"date":    date.Format(schedule.DateLayout),
		"streak":  streak,
	})
}
