package main

import (
	"context"
	"encoding/json"
	gosync "sync"
	"time"

	"github.com/studysync/offlinecore/internal/app"
	"github.com/studysync/offlinecore/internal/config"
	apperrors "github.com/studysync/offlinecore/internal/errors"
	"github.com/studysync/offlinecore/internal/logging"
	"github.com/studysync/offlinecore/internal/reachability"
	"github.com/studysync/offlinecore/internal/sync/scheduler"
)

// callTimeout bounds every blocking call made from the host UI thread.
const callTimeout = 2 * time.Minute

var (
	engineMu    gosync.Mutex
	engine      *app.App
	stopEngine  context.CancelFunc
	openOptions []app.Option
)

func current() (*app.App, error) {
	engineMu.Lock()
	defer engineMu.Unlock()
	if engine == nil {
		return nil, apperrors.New(apperrors.ErrNotInitialized, "engine not initialized")
	}
	return engine, nil
}

func callContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), callTimeout)
}

func toJSON(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInternal, "failed to serialize", err)
	}
	return string(data), nil
}

// bridgeInit opens the engine under dataDir and starts background work.
// Calling it again while the engine is open is a no-op.
func bridgeInit(dataDir, envFile string) error {
	engineMu.Lock()
	defer engineMu.Unlock()
	if engine != nil {
		return nil
	}

	cfg, err := config.Load(envFile)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrConfig, "failed to load config", err)
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if logger, err := logging.New(cfg.LogMode, logging.ParseLevel(cfg.LogLevel)); err == nil {
		logging.Init(logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	a, err := app.Open(ctx, cfg, openOptions...)
	if err != nil {
		cancel()
		return err
	}
	a.Start(ctx)
	engine = a
	stopEngine = cancel
	return nil
}

func bridgeShutdown() error {
	engineMu.Lock()
	defer engineMu.Unlock()
	if engine == nil {
		return nil
	}
	stopEngine()
	err := engine.Close()
	engine, stopEngine = nil, nil
	return err
}

func bridgeSetSession(owner, token string, retain int, quota int64) error {
	a, err := current()
	if err != nil {
		return err
	}
	if owner == "" {
		a.ClearSession()
		return nil
	}
	a.SetSession(owner, token, scheduler.TierLimits{RetentionCount: retain, CacheByteQuota: quota})
	return nil
}

func bridgeLinkChanged(state int) (bool, error) {
	a, err := current()
	if err != nil {
		return false, err
	}
	ctx, cancel := callContext()
	defer cancel()
	return a.Monitor.HandleLinkChange(ctx, reachability.LinkState(state)), nil
}

func bridgeSync() (string, error) {
	a, err := current()
	if err != nil {
		return "", err
	}
	ctx, cancel := callContext()
	defer cancel()
	result, err := a.Scheduler.SyncNow(ctx)
	if err != nil {
		return "", err
	}
	return toJSON(result)
}

func bridgeDrain() (string, error) {
	a, err := current()
	if err != nil {
		return "", err
	}
	ctx, cancel := callContext()
	defer cancel()
	result, err := a.Scheduler.DrainNow(ctx)
	if err != nil {
		return "", err
	}
	return toJSON(result)
}

func bridgeEnqueue(actionType, payload string) (string, error) {
	a, err := current()
	if err != nil {
		return "", err
	}
	session, ok := a.Session()
	if !ok {
		return "", apperrors.New(apperrors.ErrNotInitialized, "no active session")
	}
	ctx, cancel := callContext()
	defer cancel()
	action, err := a.Queue.Enqueue(ctx, session.OwnerID, actionType, []byte(payload))
	if err != nil {
		return "", err
	}
	return toJSON(action)
}

func bridgeStatus() (string, error) {
	a, err := current()
	if err != nil {
		return "", err
	}
	ctx, cancel := callContext()
	defer cancel()
	return toJSON(a.Status(ctx))
}

// bridgeClear removes one user's data, or everything when owner is empty.
func bridgeClear(owner string) error {
	a, err := current()
	if err != nil {
		return err
	}
	ctx, cancel := callContext()
	defer cancel()
	if owner == "" {
		return a.ClearAll(ctx)
	}
	_, err = a.ClearOwner(ctx, owner)
	return err
}
