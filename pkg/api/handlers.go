// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/umh-telemetry/pkg/store"
)

const maxBodyBytes = 1 << 20

type handler struct {
	svc               Service
	health            func() error
	notSubscribed     error
	invalidThresholds error
	logger            *zap.SugaredLogger
}

type topicRequest struct {
	Topic string `json:"topic"`
}

type thresholdsRequest struct {
	Topic      string            `json:"topic"`
	Thresholds []store.Threshold `json:"thresholds"`
}

type latestResponse struct {
	Topic     string    `json:"topic"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debugf("Error writing response: %v", err)
	}
}

func (h *handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, errorResponse{Error: msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (h *handler) readTopic(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req topicRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return "", false
	}
	req.Topic = strings.TrimSpace(req.Topic)
	if req.Topic == "" {
		h.writeError(w, http.StatusBadRequest, "topic is required")
		return "", false
	}
	return req.Topic, true
}

func (h *handler) subscribe(w http.ResponseWriter, r *http.Request) {
	topic, ok := h.readTopic(w, r)
	if !ok {
		return
	}
	if err := h.svc.Subscribe(r.Context(), topic); err != nil {
		h.logger.Warnf("Error subscribing to %s: %v", topic, err)
		h.writeError(w, http.StatusBadGateway, "failed to subscribe to "+topic)
		return
	}
	h.writeJSON(w, http.StatusOK, messageResponse{Message: "Subscribed to " + topic})
}

func (h *handler) unsubscribe(w http.ResponseWriter, r *http.Request) {
	topic, ok := h.readTopic(w, r)
	if !ok {
		return
	}
	if err := h.svc.Unsubscribe(r.Context(), topic); err != nil {
		if h.notSubscribed != nil && errors.Is(err, h.notSubscribed) {
			h.writeError(w, http.StatusNotFound, topic+" is not subscribed")
			return
		}
		h.logger.Warnf("Error unsubscribing from %s: %v", topic, err)
		h.writeError(w, http.StatusInternalServerError, "failed to unsubscribe from "+topic)
		return
	}
	h.writeJSON(w, http.StatusOK, messageResponse{Message: "Unsubscribed from " + topic})
}

func (h *handler) subscribed(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		h.writeJSON(w, http.StatusOK, map[string][]string{"topics": h.svc.Subscriptions()})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"topic":      topic,
		"subscribed": h.svc.IsSubscribed(topic),
	})
}

func (h *handler) latest(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		h.writeError(w, http.StatusBadRequest, "topic is required")
		return
	}
	snap, ok := h.svc.GetLatestLiveMessage(topic)
	if !ok {
		h.writeError(w, http.StatusNotFound, "no live value for "+topic)
		return
	}
	h.writeJSON(w, http.StatusOK, latestResponse{Topic: topic, Value: snap.Value, Timestamp: snap.Timestamp})
}

func (h *handler) updateThresholds(w http.ResponseWriter, r *http.Request) {
	var req thresholdsRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Topic) == "" {
		h.writeError(w, http.StatusBadRequest, "topic is required")
		return
	}
	for _, t := range req.Thresholds {
		if t.Color == "" {
			h.writeError(w, http.StatusBadRequest, "every threshold needs a color")
			return
		}
	}
	if err := h.svc.UpdateThresholds(r.Context(), req.Topic, req.Thresholds); err != nil {
		if h.invalidThresholds != nil && errors.Is(err, h.invalidThresholds) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Warnf("Error updating thresholds of %s: %v", req.Topic, err)
		h.writeError(w, http.StatusInternalServerError, "failed to update thresholds")
		return
	}
	h.writeJSON(w, http.StatusOK, messageResponse{Message: "Thresholds updated for " + req.Topic})
}

func (h *handler) healthz(w http.ResponseWriter, _ *http.Request) {
	if h.health != nil {
		if err := h.health(); err != nil {
			h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "reason": err.Error()})
			return
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
