// Package main provides the FFI bridge for mobile platforms.
// Build as shared library: libfitsync.so (Android) / fitsync.framework (iOS)
//
// Every call takes and returns JSON. A failed call returns no value and
// leaves {"code": ..., "message": ...} in GetLastError. A create that wrote
// the row but could not queue it also carries "local_id".
package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/kimhsiao/fitsync/backend/internal/app"
	"github.com/kimhsiao/fitsync/backend/internal/config"
	apperrors "github.com/kimhsiao/fitsync/backend/internal/errors"
	"github.com/kimhsiao/fitsync/backend/internal/logging"
)

var (
	coreMu    sync.RWMutex
	core      *app.App
	logCloser io.Closer

	lastErr string
	lastMu  sync.RWMutex
)

// callTimeout bounds every host call so a stuck remote cannot hang the UI thread.
const callTimeout = 2 * time.Minute

// initCore loads configPath, opens the store and starts background sync.
// Calling it again after a successful init is a no-op.
func initCore(configPath string) error {
	coreMu.Lock()
	defer coreMu.Unlock()
	if core != nil {
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logCloser = logging.Setup(cfg.LoggingOptions())

	a, err := app.New(context.Background(), cfg, app.Options{})
	if err != nil {
		return err
	}
	if err := a.Start(context.Background()); err != nil {
		a.Close()
		return err
	}
	core = a
	return nil
}

func cleanupCore() {
	coreMu.Lock()
	defer coreMu.Unlock()
	if core != nil {
		if err := core.Close(); err != nil {
			logging.Error("Failed to close sync core", err)
		}
		core = nil
	}
	if logCloser != nil {
		logCloser.Close()
		logCloser = nil
	}
}

// writtenError is a failure that still left a local row behind, such as a
// create whose enqueue failed. The row is picked up by the recovery pass.
type writtenError struct {
	error
	localID string
}

func (e writtenError) Unwrap() error { return e.error }

func setLastError(err error) {
	fields := map[string]string{
		"code":    string(apperrors.CodeOf(err)),
		"message": err.Error(),
	}
	var written writtenError
	if errors.As(err, &written) {
		fields["local_id"] = written.localID
	}
	payload, _ := json.Marshal(fields)
	lastMu.Lock()
	defer lastMu.Unlock()
	lastErr = string(payload)
}

func getLastError() string {
	lastMu.RLock()
	defer lastMu.RUnlock()
	return lastErr
}

// call runs fn against the initialized core and encodes its result.
// ok is false when fn failed; the error is then in getLastError.
func call(fn func(ctx context.Context, a *app.App) (any, error)) (string, bool) {
	coreMu.RLock()
	a := core
	coreMu.RUnlock()
	if a == nil {
		setLastError(apperrors.New(apperrors.ErrInternal, "core not initialized"))
		return "", false
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	result, err := fn(ctx, a)
	if err != nil {
		setLastError(err)
		return "", false
	}
	data, err := json.Marshal(result)
	if err != nil {
		setLastError(apperrors.Wrap(apperrors.ErrCodec, "encode result", err))
		return "", false
	}
	return string(data), true
}

func withTable(table string, fn func(ctx context.Context, t app.JSONTable) (any, error)) (string, bool) {
	return call(func(ctx context.Context, a *app.App) (any, error) {
		t, err := a.JSONTable(table)
		if err != nil {
			return nil, err
		}
		return fn(ctx, t)
	})
}

// =====================================================
// Record Operations
// =====================================================

func recordCreate(table, userID, data string) (string, bool) {
	return withTable(table, func(ctx context.Context, t app.JSONTable) (any, error) {
		id, err := t.Create(ctx, userID, json.RawMessage(data), time.Time{})
		if err != nil {
			if id != "" {
				return nil, writtenError{error: err, localID: id}
			}
			return nil, err
		}
		return map[string]string{"local_id": id}, nil
	})
}

func recordUpdate(table, localID, patch string) (string, bool) {
	return withTable(table, func(ctx context.Context, t app.JSONTable) (any, error) {
		if err := t.Update(ctx, localID, json.RawMessage(patch)); err != nil {
			return nil, err
		}
		return map[string]string{"status": "updated"}, nil
	})
}

func recordDelete(table, localID string) (string, bool) {
	return withTable(table, func(ctx context.Context, t app.JSONTable) (any, error) {
		if err := t.Delete(ctx, localID); err != nil {
			return nil, err
		}
		return map[string]string{"status": "deleted"}, nil
	})
}

func recordGet(table, localID string) (string, bool) {
	return withTable(table, func(ctx context.Context, t app.JSONTable) (any, error) {
		return t.Get(ctx, localID)
	})
}

func recordList(table, userID, query string) (string, bool) {
	return withTable(table, func(ctx context.Context, t app.JSONTable) (any, error) {
		var q app.ListQuery
		if query != "" {
			if err := json.Unmarshal([]byte(query), &q); err != nil {
				return nil, apperrors.Wrap(apperrors.ErrInvalid, "decode list query", err)
			}
		}
		return t.List(ctx, userID, q)
	})
}

func recordMerge(table, userID, records string) (string, bool) {
	return withTable(table, func(ctx context.Context, t app.JSONTable) (any, error) {
		return t.Merge(ctx, userID, json.RawMessage(records))
	})
}

// =====================================================
// Sync Operations
// =====================================================

func syncStatus() (string, bool) {
	return call(func(ctx context.Context, a *app.App) (any, error) {
		return a.Queue.GetSyncStatus(ctx)
	})
}

func syncForce() (string, bool) {
	return call(func(ctx context.Context, a *app.App) (any, error) {
		return a.Scheduler.SyncNow(ctx)
	})
}

func syncClearFailed() (string, bool) {
	return call(func(ctx context.Context, a *app.App) (any, error) {
		n, err := a.Queue.ClearFailedItems(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]int{"cleared": n}, nil
	})
}

func setConnectivity(online, expensive bool) (string, bool) {
	return call(func(ctx context.Context, a *app.App) (any, error) {
		if err := a.SetConnectivity(online, expensive); err != nil {
			return nil, err
		}
		return map[string]bool{"online": online, "expensive": expensive}, nil
	})
}

func main() {
	// Main entry point for shared library
	// Not used when loaded as library
}
