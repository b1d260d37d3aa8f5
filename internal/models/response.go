// Package models holds wire-level types shared between the REST API and its
// tests.
package models

import "github.com/eric-warren/bus-tracker/internal/clock"

// ResponseModel is the envelope wrapped around every JSON API response.
type ResponseModel struct {
	Code        int    `json:"code"`
	CurrentTime int64  `json:"currentTime"`
	Text        string `json:"text"`
	Version     int    `json:"version"`
	Data        any    `json:"data,omitempty"`
}

// ResponseCurrentTime returns the envelope timestamp in epoch milliseconds.
func ResponseCurrentTime(clk clock.Clock) int64 {
	return clk.Now().UnixMilli()
}

// NewOKResponse wraps data in a 200 envelope.
func NewOKResponse(data any, clk clock.Clock) ResponseModel {
	return ResponseModel{
		Code:        200,
		CurrentTime: ResponseCurrentTime(clk),
		Text:        "OK",
		Version:     2,
		Data:        data,
	}
}
