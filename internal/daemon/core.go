package daemon

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/seleniaproject/nyxd/internal/config"
	"github.com/seleniaproject/nyxd/internal/errmgr"
	"github.com/seleniaproject/nyxd/internal/frame"
	"github.com/seleniaproject/nyxd/internal/manager"
	"github.com/seleniaproject/nyxd/internal/version"
)

// -------------------------------------------------------------------------
// Structured Error
// -------------------------------------------------------------------------

// Error is the structured failure returned to RPC shells:
// {ok:false, code, message, id?}.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	ID      uint64 `json:"id,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error codes returned by the management operations.
const (
	CodeNotFound      = "not_found"
	CodeInvalidConfig = "invalid_config"
	CodeInternal      = "internal"
)

// -------------------------------------------------------------------------
// Core
// -------------------------------------------------------------------------

// Core is the stable management operation set. Any RPC shell (HTTP
// JSON, CLI, IPC) calls these and renders the plain-data results.
type Core struct {
	logger  *slog.Logger
	store   *VersionStore
	bus     *Bus
	mgr     *manager.Manager
	errors  *errmgr.Engine
	started time.Time

	// applyConfig pushes an accepted configuration into the running
	// daemon (log level, frame cap). Supplied by the daemon wiring.
	applyConfig func(cfg config.Config)
}

// NewCore creates the management core over the given collaborators.
func NewCore(store *VersionStore, bus *Bus, mgr *manager.Manager, applyConfig func(config.Config), logger *slog.Logger) *Core {
	return &Core{
		logger:      logger.With(slog.String("component", "daemon.core")),
		store:       store,
		bus:         bus,
		mgr:         mgr,
		errors:      errmgr.New(),
		started:     time.Now(),
		applyConfig: applyConfig,
	}
}

// Errors returns the daemon's error engine, shared with the data
// plane so every layer reports into one taxonomy.
func (c *Core) Errors() *errmgr.Engine { return c.errors }

// ErrorSummary returns the aggregate error report with the top-K most
// frequent records.
func (c *Core) ErrorSummary(topK int) errmgr.Summary {
	if topK <= 0 {
		topK = 10
	}
	return c.errors.Summarize(topK)
}

// -------------------------------------------------------------------------
// Info & Config Operations
// -------------------------------------------------------------------------

// Info is the daemon identity and health summary.
type Info struct {
	Version       string        `json:"version"`
	Commit        string        `json:"commit"`
	Uptime        time.Duration `json:"uptime"`
	Sessions      int           `json:"sessions"`
	Connections   int           `json:"connections"`
	FrameLenCap   int           `json:"frame_len_cap"`
	ConfigVersion uint64        `json:"config_version"`
}

// GetInfo returns the daemon summary.
func (c *Core) GetInfo() Info {
	versions := c.store.List()
	var current uint64
	if len(versions) > 0 {
		current = versions[len(versions)-1].ID
	}
	return Info{
		Version:       version.Version,
		Commit:        version.Commit,
		Uptime:        time.Since(c.started),
		Sessions:      c.mgr.SessionCount(),
		Connections:   len(c.mgr.ListConnections()),
		FrameLenCap:   frame.LengthCap(),
		ConfigVersion: current,
	}
}

// ReloadConfig loads the configuration from path, validates it,
// installs it, and snapshots the result.
func (c *Core) ReloadConfig(path string) (VersionSummary, error) {
	cfg, err := config.Load(path)
	if err != nil {
		c.errors.Report(errmgr.Record{
			Type:     "config_reload",
			Message:  err.Error(),
			Severity: errmgr.SeverityMedium,
			Category: errmgr.CategoryConfig,
			Recovery: errmgr.RecoveryNone,
			Source:   "daemon.Core.ReloadConfig",
		})
		return VersionSummary{}, &Error{Code: CodeInvalidConfig, Message: err.Error()}
	}

	summary := c.store.Replace(*cfg, fmt.Sprintf("reload from %s", path))
	c.apply(*cfg)
	c.bus.Publish(EventConfigUpdated, map[string]any{"version": summary.ID, "source": "reload"})

	c.logger.Info("configuration reloaded",
		slog.String("path", path),
		slog.Uint64("version", summary.ID),
	)
	return summary, nil
}

// UpdateConfig applies a key/value patch to the active configuration.
// The patch is validated against the full config before installation;
// a failed validation reports errors and leaves the active
// configuration untouched. Applying the same patch twice is
// equivalent to applying it once (the config converges; only the
// version history grows).
func (c *Core) UpdateConfig(patch map[string]any) (VersionSummary, error) {
	cfg := c.store.Current()

	if err := applyPatch(&cfg, patch); err != nil {
		return VersionSummary{}, &Error{Code: CodeInvalidConfig, Message: err.Error()}
	}
	if err := config.Validate(&cfg); err != nil {
		c.errors.Report(errmgr.Record{
			Type:     "config_update",
			Message:  err.Error(),
			Severity: errmgr.SeverityLow,
			Category: errmgr.CategoryConfig,
			Recovery: errmgr.RecoveryNone,
			Source:   "daemon.Core.UpdateConfig",
		})
		return VersionSummary{}, &Error{Code: CodeInvalidConfig, Message: err.Error()}
	}

	summary := c.store.Replace(cfg, "runtime update")
	c.apply(cfg)
	c.bus.Publish(EventConfigUpdated, map[string]any{"version": summary.ID, "source": "update"})
	return summary, nil
}

// GetConfig returns a copy of the active configuration.
func (c *Core) GetConfig() config.Config {
	return c.store.Current()
}

// ListVersions returns retained configuration snapshots.
func (c *Core) ListVersions() []VersionSummary {
	return c.store.List()
}

// Rollback restores the configuration stored under id.
func (c *Core) Rollback(id uint64) (VersionSummary, error) {
	cfg, err := c.store.Rollback(id)
	if err != nil {
		if errors.Is(err, ErrVersionNotFound) {
			return VersionSummary{}, &Error{Code: CodeNotFound, Message: err.Error(), ID: id}
		}
		return VersionSummary{}, &Error{Code: CodeInternal, Message: err.Error(), ID: id}
	}

	c.apply(cfg)
	versions := c.store.List()
	summary := versions[len(versions)-1]
	c.bus.Publish(EventConfigUpdated, map[string]any{"version": summary.ID, "source": "rollback"})
	return summary, nil
}

// Snapshot records the active configuration with a description.
func (c *Core) Snapshot(description string) VersionSummary {
	if description == "" {
		description = "manual snapshot"
	}
	return c.store.Snapshot(description)
}

// apply pushes the accepted config into the running daemon.
func (c *Core) apply(cfg config.Config) {
	frame.SetLengthCap(cfg.Daemon.MaxFrameLenBytes)
	if c.applyConfig != nil {
		c.applyConfig(cfg)
	}
}

// -------------------------------------------------------------------------
// Session & Connection Operations
// -------------------------------------------------------------------------

// ListConnections returns all live connection ids.
func (c *Core) ListConnections() []uint32 {
	return c.mgr.ListConnections()
}

// GetConnection returns the status of one connection.
func (c *Core) GetConnection(id uint32) (manager.ConnectionStatus, error) {
	st, ok := c.mgr.GetConnectionStatus(id)
	if !ok {
		return manager.ConnectionStatus{}, &Error{
			Code: CodeNotFound, Message: "connection not found", ID: uint64(id),
		}
	}
	return st, nil
}

// CloseConnection terminates one connection.
func (c *Core) CloseConnection(id uint32) error {
	if err := c.mgr.CloseConnection(id); err != nil {
		return &Error{Code: CodeNotFound, Message: err.Error(), ID: uint64(id)}
	}
	c.bus.Publish(EventConnectionState, map[string]any{"conn_id": id, "state": "closed"})
	return nil
}

// GetSession returns the status of one session.
func (c *Core) GetSession(id uint32) (manager.SessionStatus, error) {
	st, ok := c.mgr.GetSessionStatus(id)
	if !ok {
		return manager.SessionStatus{}, &Error{
			Code: CodeNotFound, Message: "session not found", ID: uint64(id),
		}
	}
	return st, nil
}

// CloseSession terminates one session.
func (c *Core) CloseSession(id uint32) error {
	if err := c.mgr.CloseSession(id); err != nil {
		return &Error{Code: CodeNotFound, Message: err.Error(), ID: uint64(id)}
	}
	c.bus.Publish(EventSessionState, map[string]any{"session_id": id, "state": "closed"})
	return nil
}

// SubscribeEvents attaches an event consumer, optionally filtered.
func (c *Core) SubscribeEvents(types ...EventType) (<-chan Event, func()) {
	return c.bus.Subscribe(types...)
}

// -------------------------------------------------------------------------
// Config Patch
// -------------------------------------------------------------------------

// applyPatch maps recognized dotted keys onto the config struct.
// Unknown keys are rejected so typos never silently no-op.
func applyPatch(cfg *config.Config, patch map[string]any) error {
	for key, raw := range patch {
		var err error
		switch key {
		case "daemon.endpoint":
			err = patchString(&cfg.Daemon.Endpoint, raw)
		case "daemon.request_timeout":
			err = patchDuration(&cfg.Daemon.RequestTimeout, raw)
		case "daemon.max_frame_len_bytes":
			err = patchInt(&cfg.Daemon.MaxFrameLenBytes, raw)
		case "log.level":
			err = patchString(&cfg.Log.Level, raw)
		case "mix.enabled":
			err = patchBool(&cfg.Mix.Enabled, raw)
		case "mix.batch_size":
			err = patchInt(&cfg.Mix.BatchSize, raw)
		case "mix.vdf_delay_ms":
			var v int
			if err = patchInt(&v, raw); err == nil {
				cfg.Mix.VDFDelayMs = uint32(v)
			}
		case "mix.target_utilization":
			err = patchFloat(&cfg.Mix.TargetUtilization, raw)
		case "mix.enable_cover_traffic":
			err = patchBool(&cfg.Mix.EnableCoverTraffic, raw)
		case "multipath.enabled":
			err = patchBool(&cfg.Multipath.Enabled, raw)
		case "multipath.max_paths":
			err = patchInt(&cfg.Multipath.MaxPaths, raw)
		case "multipath.reorder_timeout":
			err = patchDuration(&cfg.Multipath.ReorderTimeout, raw)
		case "multipath.weight_method":
			err = patchString(&cfg.Multipath.WeightMethod, raw)
		case "padding.enabled":
			err = patchBool(&cfg.Padding.Enabled, raw)
		case "padding.target_size":
			err = patchInt(&cfg.Padding.TargetSize, raw)
		case "sandbox.policy":
			err = patchString(&cfg.Sandbox.Policy, raw)
		default:
			return fmt.Errorf("unknown config key %q", key)
		}
		if err != nil {
			return fmt.Errorf("key %q: %w", key, err)
		}
	}
	return nil
}

func patchString(dst *string, raw any) error {
	s, ok := raw.(string)
	if !ok {
		return fmt.Errorf("expected string, got %T", raw)
	}
	*dst = s
	return nil
}

func patchBool(dst *bool, raw any) error {
	b, ok := raw.(bool)
	if !ok {
		return fmt.Errorf("expected bool, got %T", raw)
	}
	*dst = b
	return nil
}

func patchInt(dst *int, raw any) error {
	switch v := raw.(type) {
	case int:
		*dst = v
	case float64:
		*dst = int(v)
	default:
		return fmt.Errorf("expected number, got %T", raw)
	}
	return nil
}

func patchFloat(dst *float64, raw any) error {
	switch v := raw.(type) {
	case float64:
		*dst = v
	case int:
		*dst = float64(v)
	default:
		return fmt.Errorf("expected number, got %T", raw)
	}
	return nil
}

func patchDuration(dst *time.Duration, raw any) error {
	switch v := raw.(type) {
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse duration: %w", err)
		}
		*dst = d
	case float64:
		*dst = time.Duration(v) * time.Millisecond
	default:
		return fmt.Errorf("expected duration string or milliseconds, got %T", raw)
	}
	return nil
}
