package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/librescoot/doze-service/internal/fsm"
	"github.com/redis/go-redis/v9"
)

// CommandList is the Redis list other services push doze commands to.
const CommandList = "scooter:doze"

var errNoHardware = errors.New("no hardware control")

// hardwareControl is the part of the hardware manager commands reach.
type hardwareControl interface {
	InjectMotion() error
	SetCPUGovernor(governor string) error
}

// listenForCommands pops commands off CommandList until ctx is done.
func (s *Service) listenForCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			result, err := s.client.BRPop(ctx, time.Second, CommandList).Result()
			if err != nil {
				if err == redis.Nil {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				s.logger.Printf("Error reading from %s: %v", CommandList, err)
				time.Sleep(time.Second)
				continue
			}

			if len(result) != 2 {
				continue
			}
			if err := s.handleCommand(result[1]); err != nil {
				s.logger.Printf("Command %q failed: %v", result[1], err)
			}
		}
	}
}

// handleCommand runs one command of the form name[:argument].
func (s *Service) handleCommand(command string) error {
	s.logger.Printf("Received doze command: %s", command)

	name, arg, _ := strings.Cut(command, ":")
	switch name {
	case "step":
		mode, err := fsm.ParseMode(arg)
		if err != nil {
			return err
		}
		deep, light := s.controller.Step(mode)
		s.logger.Printf("Stepped to deep=%s light=%s", deep, light)

	case "force-idle":
		mode, err := fsm.ParseMode(arg)
		if err != nil {
			return err
		}
		return s.controller.ForceIdle(mode)

	case "force-inactive":
		s.controller.ForceInactive()

	case "unforce":
		s.controller.Unforce()

	case "exit-idle":
		reason := arg
		if reason == "" {
			reason = "command"
		}
		s.controller.ExitIdle(reason)

	case "enable", "disable":
		mode, err := fsm.ParseMode(arg)
		if err != nil {
			return err
		}
		s.controller.SetEnabled(mode, name == "enable")

	case "motion":
		if s.hardware == nil {
			return errNoHardware
		}
		return s.hardware.InjectMotion()

	case "governor":
		if s.hardware == nil {
			return errNoHardware
		}
		return s.hardware.SetCPUGovernor(arg)

	case "dump":
		s.DumpToLog()

	default:
		return fmt.Errorf("unknown command: %s", name)
	}
	return nil
}

// DumpToLog writes the diagnostic dump to the log, one line per entry.
func (s *Service) DumpToLog() {
	var buf bytes.Buffer
	s.Dump(&buf)
	for _, line := range strings.Split(strings.TrimRight(buf.String(), "\n"), "\n") {
		s.logger.Print(line)
	}
}
