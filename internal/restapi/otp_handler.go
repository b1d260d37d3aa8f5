package restapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/eric-warren/bus-tracker/internal/otp"
	"github.com/eric-warren/bus-tracker/internal/schedule"
)

func (api *RestAPI) otpHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	req := otp.Request{}

	date, err := api.dateParam(r, "date")
	if err != nil {
		api.sendError(w, r, http.StatusBadRequest, "date must be yyyymmdd")
		return
	}
	req.StartDate = date
	req.EndDate = date

	if raw := q.Get("endDate"); raw != "" {
		end, err := api.dateParam(r, "endDate")
		if err != nil {
			api.sendError(w, r, http.StatusBadRequest, "endDate must be yyyymmdd")
			return
		}
		req.EndDate = end
	}
	if req.EndDate.Before(req.StartDate) {
		api.sendError(w, r, http.StatusBadRequest, "endDate precedes date")
		return
	}

	switch metric := otp.Metric(q.Get("metric")); metric {
	case "", otp.MetricDelay:
		req.Metric = otp.MetricDelay
	case otp.MetricStartGap:
		req.Metric = otp.MetricStartGap
	default:
		api.sendError(w, r, http.StatusBadRequest, "metric must be delay or start-gap")
		return
	}

	if raw := q.Get("threshold"); raw != "" {
		threshold, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || threshold <= 0 {
			api.sendError(w, r, http.StatusBadRequest, "threshold must be a positive integer")
			return
		}
		req.ThresholdMinutes = threshold
	}

	if raw := q.Get("includeCanceled"); raw != "" {
		include, err := strconv.ParseBool(raw)
		if err != nil {
			api.sendError(w, r, http.StatusBadRequest, "includeCanceled must be a boolean")
			return
		}
		req.IncludeCanceled = include
	}

	switch filter := otp.FrequencyFilter(q.Get("frequency")); filter {
	case otp.FrequencyAll, otp.FrequencyFrequent, otp.FrequencyInfrequent:
		req.FrequencyFilter = filter
	default:
		api.sendError(w, r, http.StatusBadRequest, "frequency must be frequent or infrequent")
		return
	}

	req.RouteID = q.Get("routeId")

	report, err := api.Engine.Compute(r.Context(), req)
	if errors.Is(err, schedule.ErrNoScheduleAvailable) {
		api.sendNotFound(w, r, "no schedule covers the requested range")
		return
	}
	if err != nil {
		api.serverErrorResponse(w, r, err)
		return
	}

	api.sendData(w, r, report)
}
