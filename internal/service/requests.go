package service

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/librescoot/doze-service/internal/idle"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// WhitelistRequests is the redis-ipc request list for whitelist edits.
const WhitelistRequests = "scooter:doze-whitelist"

const whitelistSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["action"],
  "properties": {
    "action": {"enum": [
      "add", "remove", "remove-system", "restore-system", "reset-system",
      "add-except-idle", "reset-except-idle", "temp", "temp-message"
    ]},
    "package":  {"type": "string", "minLength": 1},
    "duration": {"type": "integer", "minimum": 0},
    "message":  {"enum": ["sms", "mms", "notification"]},
    "reason":   {"type": "string"}
  },
  "allOf": [
    {
      "if": {"properties": {"action": {"enum": ["add", "remove", "remove-system", "restore-system", "add-except-idle", "temp", "temp-message"]}}},
      "then": {"required": ["package"]}
    },
    {
      "if": {"properties": {"action": {"const": "temp"}}},
      "then": {"required": ["duration"]}
    },
    {
      "if": {"properties": {"action": {"const": "temp-message"}}},
      "then": {"required": ["message"]}
    }
  ],
  "additionalProperties": false
}`

var whitelistSchema = jsonschema.MustCompileString("whitelist-request.schema.json", whitelistSchemaJSON)

// WhitelistRequest is one whitelist edit. Duration is in milliseconds.
type WhitelistRequest struct {
	Action   string `json:"action"`
	Package  string `json:"package,omitempty"`
	Duration int64  `json:"duration,omitempty"`
	Message  string `json:"message,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// ParseWhitelistRequest validates and decodes a request.
func ParseWhitelistRequest(data []byte) (WhitelistRequest, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return WhitelistRequest{}, fmt.Errorf("invalid request JSON: %w", err)
	}
	if err := whitelistSchema.Validate(doc); err != nil {
		return WhitelistRequest{}, fmt.Errorf("invalid whitelist request: %w", err)
	}

	var req WhitelistRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return WhitelistRequest{}, fmt.Errorf("invalid whitelist request: %w", err)
	}
	return req, nil
}

func messageKind(s string) idle.MessageKind {
	switch s {
	case "mms":
		return idle.MessageMMS
	case "notification":
		return idle.MessageNotification
	default:
		return idle.MessageSMS
	}
}

// onWhitelistRequest is the redis-ipc handler for WhitelistRequests.
func (s *Service) onWhitelistRequest(data []byte) error {
	req, err := ParseWhitelistRequest(data)
	if err != nil {
		s.logger.Printf("Rejected whitelist request: %v", err)
		return err
	}
	if err := s.applyWhitelistRequest(req); err != nil {
		s.logger.Printf("Whitelist %s %s failed: %v", req.Action, req.Package, err)
		return err
	}
	return nil
}

func (s *Service) applyWhitelistRequest(req WhitelistRequest) error {
	reason := req.Reason
	if reason == "" {
		reason = "request"
	}

	var changed bool
	var err error
	switch req.Action {
	case "add":
		changed, err = s.controller.AddWhitelist(req.Package)
	case "remove":
		changed = s.controller.RemoveWhitelist(req.Package)
	case "remove-system":
		changed = s.controller.RemoveSystemWhitelist(req.Package)
	case "restore-system":
		changed = s.controller.RestoreSystemWhitelist(req.Package)
	case "reset-system":
		changed = s.controller.ResetSystemWhitelist()
	case "add-except-idle":
		changed, err = s.controller.AddExceptIdleWhitelist(req.Package)
	case "reset-except-idle":
		changed = s.controller.ResetExceptIdleWhitelist()
	case "temp":
		var granted time.Duration
		granted, err = s.controller.AddTempWhitelistPackage(req.Package, time.Duration(req.Duration)*time.Millisecond, reason)
		changed = granted > 0
	case "temp-message":
		var granted time.Duration
		granted, err = s.controller.AddTempWhitelistForMessage(req.Package, messageKind(req.Message), reason)
		changed = granted > 0
	default:
		return fmt.Errorf("unknown whitelist action: %s", req.Action)
	}
	if err != nil {
		return err
	}

	s.logger.Printf("Whitelist %s %s (changed=%t)", req.Action, req.Package, changed)
	return nil
}
