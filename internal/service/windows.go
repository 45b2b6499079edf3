//go:build windows

/**
 * CONTEXT:   Windows service manager backed by the Service Control Manager
 * INPUT:     Config describing the installed binary and its arguments
 * OUTPUT:    A registered Windows service, driven via golang.org/x/sys/windows/svc/mgr
 * BUSINESS:  Covers the install/control/status surface this agent's CLI actually needs
 * CHANGE:    Initial implementation
 * RISK:      High - Windows service APIs require admin privileges and careful handle cleanup
 */

package service

import (
	"fmt"
	"time"

	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/eventlog"
	"golang.org/x/sys/windows/svc/mgr"
)

// WindowsManager drives a service registered with the Service Control Manager.
type WindowsManager struct {
	serviceName string
}

// New returns the platform Manager for the running OS - on Windows, the SCM.
func New(name string) (Manager, error) {
	return &WindowsManager{serviceName: name}, nil
}

func (w *WindowsManager) Install(cfg Config) error {
	scm, err := mgr.Connect()
	if err != nil {
		return fmt.Errorf("connecting to service control manager: %w", err)
	}
	defer scm.Disconnect()

	if existing, err := scm.OpenService(w.serviceName); err == nil {
		existing.Close()
		return fmt.Errorf("service %q already installed", w.serviceName)
	}

	s, err := scm.CreateService(w.serviceName, cfg.ExecutablePath, mgr.Config{
		DisplayName: cfg.DisplayName,
		Description: cfg.Description,
		StartType:   mgr.StartAutomatic,
	}, cfg.Arguments...)
	if err != nil {
		return fmt.Errorf("creating service: %w", err)
	}
	defer s.Close()

	if err := eventlog.InstallAsEventCreate(w.serviceName, eventlog.Info|eventlog.Warning|eventlog.Error); err != nil {
		// Not fatal - the service still runs without a registered event source.
		_ = err
	}
	return nil
}

func (w *WindowsManager) Uninstall() error {
	scm, err := mgr.Connect()
	if err != nil {
		return fmt.Errorf("connecting to service control manager: %w", err)
	}
	defer scm.Disconnect()

	s, err := scm.OpenService(w.serviceName)
	if err != nil {
		return fmt.Errorf("service not found: %w", err)
	}
	defer s.Close()

	if status, err := s.Query(); err == nil && status.State != svc.Stopped {
		_ = w.stopAndWait(s, 30*time.Second)
	}
	if err := s.Delete(); err != nil {
		return fmt.Errorf("deleting service: %w", err)
	}
	_ = eventlog.Remove(w.serviceName)
	return nil
}

func (w *WindowsManager) IsInstalled() bool {
	scm, err := mgr.Connect()
	if err != nil {
		return false
	}
	defer scm.Disconnect()

	s, err := scm.OpenService(w.serviceName)
	if err != nil {
		return false
	}
	s.Close()
	return true
}

func (w *WindowsManager) Start() error {
	scm, err := mgr.Connect()
	if err != nil {
		return fmt.Errorf("connecting to service control manager: %w", err)
	}
	defer scm.Disconnect()

	s, err := scm.OpenService(w.serviceName)
	if err != nil {
		return fmt.Errorf("opening service: %w", err)
	}
	defer s.Close()

	if err := s.Start(); err != nil {
		return fmt.Errorf("starting service: %w", err)
	}
	return w.waitForState(s, svc.Running, 30*time.Second)
}

func (w *WindowsManager) Stop() error {
	scm, err := mgr.Connect()
	if err != nil {
		return fmt.Errorf("connecting to service control manager: %w", err)
	}
	defer scm.Disconnect()

	s, err := scm.OpenService(w.serviceName)
	if err != nil {
		return fmt.Errorf("opening service: %w", err)
	}
	defer s.Close()

	return w.stopAndWait(s, 30*time.Second)
}

func (w *WindowsManager) IsRunning() bool {
	status, err := w.Status()
	if err != nil {
		return false
	}
	return status.State == StateRunning
}

func (w *WindowsManager) Status() (Status, error) {
	scm, err := mgr.Connect()
	if err != nil {
		return Status{}, fmt.Errorf("connecting to service control manager: %w", err)
	}
	defer scm.Disconnect()

	s, err := scm.OpenService(w.serviceName)
	if err != nil {
		return Status{}, fmt.Errorf("opening service: %w", err)
	}
	defer s.Close()

	q, err := s.Query()
	if err != nil {
		return Status{}, fmt.Errorf("querying service: %w", err)
	}
	cfg, err := s.Config()
	displayName := w.serviceName
	if err == nil {
		displayName = cfg.DisplayName
	}

	return Status{
		Name:        w.serviceName,
		DisplayName: displayName,
		State:       convertState(q.State),
		PID:         int(q.ProcessId),
	}, nil
}

func (w *WindowsManager) waitForState(s *mgr.Service, target svc.State, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		status, err := s.Query()
		if err != nil {
			return err
		}
		if status.State == target {
			return nil
		}
		time.Sleep(300 * time.Millisecond)
	}
	return fmt.Errorf("timed out waiting for state %v", target)
}

func (w *WindowsManager) stopAndWait(s *mgr.Service, timeout time.Duration) error {
	status, err := s.Control(svc.Stop)
	if err != nil && status.State != svc.Stopped {
		return fmt.Errorf("sending stop control: %w", err)
	}
	return w.waitForState(s, svc.Stopped, timeout)
}

func convertState(s svc.State) State {
	switch s {
	case svc.Running:
		return StateRunning
	case svc.Stopped:
		return StateStopped
	default:
		return StateUnknown
	}
}
