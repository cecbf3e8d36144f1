package service

import (
	"fmt"
	"time"
)

// Device signals, as hash/field pairs published by the other services.
const (
	dashboardHash    = "dashboard"
	dashboardField   = "power"
	batteryHash      = "cb-battery"
	batteryField     = "charge-status"
	vehicleHash      = "vehicle"
	vehicleField     = "state"
	internetHash     = "internet"
	internetField    = "status"
	initialReadTries = 10
	initialReadDelay = 500 * time.Millisecond
)

func screenOn(dashboardPower string) bool {
	return dashboardPower == "on"
}

func charging(chargeStatus string) bool {
	return chargeStatus == "charging"
}

// keyguardLocked reports whether the vehicle state means the scooter is
// locked, which is what the keyguard stands for on a scooter.
func keyguardLocked(vehicleState string) bool {
	switch vehicleState {
	case "stand-by", "locked", "shutting-down", "hibernating":
		return true
	}
	return false
}

func connected(status string) bool {
	return status == "connected"
}

type signalInput struct {
	hash  string
	field string
	apply func(value string)
}

func (s *Service) signalInputs() []signalInput {
	return []signalInput{
		{dashboardHash, dashboardField, func(v string) { s.controller.OnScreenChanged(screenOn(v)) }},
		{batteryHash, batteryField, func(v string) { s.controller.OnChargingChanged(charging(v)) }},
		{vehicleHash, vehicleField, func(v string) { s.controller.OnKeyguardChanged(keyguardLocked(v)) }},
		{internetHash, internetField, func(v string) { s.controller.OnConnectivityChanged(connected(v)) }},
	}
}

// subscribeInputs follows every device signal. The payload only names the
// field that changed, so the value is read back from the hash.
func (s *Service) subscribeInputs() error {
	for _, in := range s.signalInputs() {
		in := in
		subscriber := s.redis.Subscribe(in.hash)
		err := subscriber.Handle(in.field, func(data []byte) error {
			value, err := s.redis.HGet(in.hash, in.field)
			if err != nil {
				return fmt.Errorf("failed to get %s %s: %v", in.hash, in.field, err)
			}
			in.apply(value)
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s %s: %v", in.hash, in.field, err)
		}
	}
	return nil
}

// readInitialStates reads every signal once. Signals that cannot be read
// keep the controller's defaults (screen on, not charging, unlocked,
// offline) until their first update arrives.
func (s *Service) readInitialStates() {
	s.logger.Printf("Reading initial device states from Redis...")

	pending := s.signalInputs()
	for i := range initialReadTries {
		var failed []signalInput
		for _, in := range pending {
			value, err := s.redis.HGet(in.hash, in.field)
			if err != nil {
				failed = append(failed, in)
				continue
			}
			s.logger.Printf("Initial %s %s: %s", in.hash, in.field, value)
			in.apply(value)
		}
		pending = failed
		if len(pending) == 0 {
			return
		}
		if i < initialReadTries-1 {
			s.logger.Printf("Failed to read %d initial states (attempt %d/%d). Retrying in %v...",
				len(pending), i+1, initialReadTries, initialReadDelay)
			time.Sleep(initialReadDelay)
		}
	}

	for _, in := range pending {
		s.logger.Printf("WARNING: No initial %s %s; waiting for the first update", in.hash, in.field)
	}
}
