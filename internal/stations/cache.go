package stations

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"lightwatch/internal/config"
	"lightwatch/internal/logging"
	"lightwatch/internal/model"
	"lightwatch/internal/storage"
)

// Cache holds read-mostly station reference data owned by the external
// administrative domain. It refreshes on an interval and can be
// invalidated on demand; the pipeline only ever reads from it.
type Cache struct {
	cfg    *config.Manager
	store  storage.Store
	logger *slog.Logger

	mu       sync.RWMutex
	byID     map[string]model.Station
	byCode   map[string]model.Station
	loadedAt time.Time
}

func NewCache(cfg *config.Manager, store storage.Store, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Cache{
		cfg:    cfg,
		store:  store,
		logger: logger,
		byID:   make(map[string]model.Station),
		byCode: make(map[string]model.Station),
	}
}

// Start refreshes immediately and then on the configured interval.
func (c *Cache) Start(ctx context.Context) {
	if err := c.Refresh(ctx); err != nil && c.logger != nil {
		c.logger.Warn("initial station refresh failed", "err", err)
	}
	go func() {
		ticker := time.NewTicker(c.cfg.Get().Stations.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := c.Refresh(ctx); err != nil && c.logger != nil {
					c.logger.Warn("station refresh failed", "err", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (c *Cache) Refresh(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	opCtx, cancel := context.WithTimeout(ctx, c.cfg.Get().Storage.Timeout)
	defer cancel()
	list, err := c.store.Stations(opCtx)
	if err != nil {
		return err
	}
	byID := make(map[string]model.Station, len(list))
	byCode := make(map[string]model.Station, len(list))
	for _, st := range list {
		byID[st.ID] = st
		byCode[st.Code] = st
	}
	c.mu.Lock()
	c.byID = byID
	c.byCode = byCode
	c.loadedAt = time.Now().UTC()
	c.mu.Unlock()
	return nil
}

// Invalidate clears the cache; the next Lookup misses until a refresh.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.byID = make(map[string]model.Station)
	c.byCode = make(map[string]model.Station)
	c.mu.Unlock()
}

func (c *Cache) ByID(id string) (model.Station, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.byID[id]
	return st, ok
}

func (c *Cache) ByCode(code string) (model.Station, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.byCode[code]
	return st, ok
}

// Active reports whether telemetry from the station should be processed.
// Unknown stations pass: reference data may simply lag the field install.
func (c *Cache) Active(idOrCode string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.byID[idOrCode]
	if !ok {
		st, ok = c.byCode[idOrCode]
	}
	if !ok {
		return true
	}
	return st.Status != model.StationDecommissioned
}
