// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/aura-foundation/aura/lib/ident"
)

// Compile-time interface check.
var _ Signaler = (*RendezvousSignaler)(nil)

// signalTTL is how long the rendezvous server retains a signal. An
// offer that has not been answered inside this window is stale; the
// offerer has long since timed out.
const signalTTL = 2 * time.Minute

// rendezvousSignal is the JSON wire form of a signal on the
// rendezvous API. From and To are hex device IDs.
type rendezvousSignal struct {
	From      string `json:"from"`
	To        string `json:"to"`
	SDP       string `json:"sdp"`
	Timestamp string `json:"timestamp"`
}

// RendezvousServer is a minimal HTTP signal drop for WebRTC session
// establishment. Devices POST offers and answers and GET the signals
// addressed to them. The server stores signals in memory with a
// short TTL; it holds no keys and sees no payload traffic, only SDP.
//
// Endpoints:
//
//	POST /v1/signal/offers   store an offer (rendezvousSignal body)
//	POST /v1/signal/answers  store an answer (rendezvousSignal body)
//	GET  /v1/signal/offers?device=<hex>   offers addressed to device
//	GET  /v1/signal/answers?device=<hex>  answers to device's offers
type RendezvousServer struct {
	mu      sync.Mutex
	offers  map[string]rendezvousSignal // key: "from|to"
	answers map[string]rendezvousSignal
	stored  map[string]time.Time
	now     func() time.Time
}

// NewRendezvousServer creates an empty rendezvous server. Mount it
// on an http.Server of the caller's choosing.
func NewRendezvousServer() *RendezvousServer {
	return &RendezvousServer{
		offers:  make(map[string]rendezvousSignal),
		answers: make(map[string]rendezvousSignal),
		stored:  make(map[string]time.Time),
		now:     time.Now,
	}
}

func (s *RendezvousServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/v1/signal/offers" && r.Method == http.MethodPost:
		s.storeSignal(w, r, s.offers)
	case r.URL.Path == "/v1/signal/answers" && r.Method == http.MethodPost:
		s.storeSignal(w, r, s.answers)
	case r.URL.Path == "/v1/signal/offers" && r.Method == http.MethodGet:
		s.listSignals(w, r, s.offers)
	case r.URL.Path == "/v1/signal/answers" && r.Method == http.MethodGet:
		s.listSignals(w, r, s.answers)
	default:
		http.NotFound(w, r)
	}
}

func (s *RendezvousServer) storeSignal(w http.ResponseWriter, r *http.Request, store map[string]rendezvousSignal) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}
	var signal rendezvousSignal
	if err := json.Unmarshal(body, &signal); err != nil {
		http.Error(w, "malformed signal", http.StatusBadRequest)
		return
	}
	if _, err := ident.ParseID(signal.From); err != nil {
		http.Error(w, "malformed from device", http.StatusBadRequest)
		return
	}
	if _, err := ident.ParseID(signal.To); err != nil {
		http.Error(w, "malformed to device", http.StatusBadRequest)
		return
	}
	if signal.SDP == "" || signal.Timestamp == "" {
		http.Error(w, "missing sdp or timestamp", http.StatusBadRequest)
		return
	}

	key := signal.From + signalingSeparator + signal.To

	s.mu.Lock()
	s.expireLocked()
	store[key] = signal
	s.stored[key] = s.now()
	s.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

// listSignals returns the stored signals addressed to the device.
// Offers are addressed to their target; answers are addressed back
// to the offerer, so both stores filter on the To field.
func (s *RendezvousServer) listSignals(w http.ResponseWriter, r *http.Request, store map[string]rendezvousSignal) {
	device := r.URL.Query().Get("device")
	if _, err := ident.ParseID(device); err != nil {
		http.Error(w, "malformed device", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.expireLocked()
	signals := make([]rendezvousSignal, 0)
	for _, signal := range store {
		if signal.To == device {
			signals = append(signals, signal)
		}
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(signals)
}

// expireLocked drops signals older than signalTTL. Caller holds mu.
func (s *RendezvousServer) expireLocked() {
	cutoff := s.now().Add(-signalTTL)
	for key, at := range s.stored {
		if at.After(cutoff) {
			continue
		}
		delete(s.offers, key)
		delete(s.answers, key)
		delete(s.stored, key)
	}
}

// RendezvousSignaler implements [Signaler] against a
// [RendezvousServer] over HTTP.
type RendezvousSignaler struct {
	baseURL string
	client  *http.Client

	// lastSeen suppresses signals already returned by an earlier
	// poll, keyed by the signal's direction key.
	mu       sync.Mutex
	lastSeen map[string]time.Time
}

// NewRendezvousSignaler creates a signaler client for the rendezvous
// server at baseURL (e.g. "https://rendezvous.example.net"). A nil
// client uses http.DefaultClient.
func NewRendezvousSignaler(baseURL string, client *http.Client) *RendezvousSignaler {
	if client == nil {
		client = http.DefaultClient
	}
	return &RendezvousSignaler{
		baseURL:  baseURL,
		client:   client,
		lastSeen: make(map[string]time.Time),
	}
}

func (s *RendezvousSignaler) PublishOffer(ctx context.Context, from, to ident.DeviceID, sdp string) error {
	return s.publish(ctx, "/v1/signal/offers", rendezvousSignal{
		From:      from.String(),
		To:        to.String(),
		SDP:       sdp,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (s *RendezvousSignaler) PublishAnswer(ctx context.Context, offerer, from ident.DeviceID, sdp string) error {
	return s.publish(ctx, "/v1/signal/answers", rendezvousSignal{
		From:      from.String(),
		To:        offerer.String(),
		SDP:       sdp,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (s *RendezvousSignaler) PollOffers(ctx context.Context, device ident.DeviceID) ([]SignalMessage, error) {
	return s.poll(ctx, "/v1/signal/offers", "offers", device)
}

func (s *RendezvousSignaler) PollAnswers(ctx context.Context, device ident.DeviceID) ([]SignalMessage, error) {
	return s.poll(ctx, "/v1/signal/answers", "answers", device)
}

func (s *RendezvousSignaler) publish(ctx context.Context, path string, signal rendezvousSignal) error {
	body, err := json.Marshal(signal)
	if err != nil {
		return fmt.Errorf("encoding signal: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")
	response, err := s.client.Do(request)
	if err != nil {
		return fmt.Errorf("publishing signal: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusNoContent {
		return fmt.Errorf("rendezvous server returned %s", response.Status)
	}
	return nil
}

func (s *RendezvousSignaler) poll(ctx context.Context, path, storeLabel string, device ident.DeviceID) ([]SignalMessage, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path+"?device="+device.String(), nil)
	if err != nil {
		return nil, err
	}
	response, err := s.client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("polling signals: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rendezvous server returned %s", response.Status)
	}

	var signals []rendezvousSignal
	if err := json.NewDecoder(response.Body).Decode(&signals); err != nil {
		return nil, fmt.Errorf("decoding signals: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var messages []SignalMessage
	for _, signal := range signals {
		peer, err := ident.ParseID(signal.From)
		if err != nil {
			continue
		}
		timestamp, err := time.Parse(time.RFC3339Nano, signal.Timestamp)
		if err != nil {
			continue
		}
		seenKey := storeLabel + ":" + signal.From + signalingSeparator + signal.To
		if last, ok := s.lastSeen[seenKey]; ok && !timestamp.After(last) {
			continue
		}
		s.lastSeen[seenKey] = timestamp
		messages = append(messages, SignalMessage{
			Peer:      peer,
			SDP:       signal.SDP,
			Timestamp: signal.Timestamp,
		})
	}
	return messages, nil
}
