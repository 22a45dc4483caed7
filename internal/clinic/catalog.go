package clinic

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/hospital-scheduling/internal/cache"
)

// Cache names, also used as the scope of broadcast evictions.
const (
	CacheSpecializations = "specializations"
	CacheServices        = "services"
	CacheDoctors         = "doctors"
	CacheSchedules       = "schedules"
)

// EvictionPublisher tells other instances to drop cached keys.
type EvictionPublisher interface {
	PublishEviction(ctx context.Context, cacheName string, keys ...string) error
}

// Catalog serves reference data through per-kind TTL caches backed by a
// Repository. Writes go straight to the repository and evict.
type Catalog struct {
	repo Repository
	log  zerolog.Logger

	specializations *cache.Cache[[]Specialization]
	services        *cache.Cache[[]MedicalService]
	doctors         *cache.Indexed[Doctor]
	schedules       *cache.Cache[[]ScheduleInterval]

	publisher EvictionPublisher
}

type CatalogOption func(*Catalog)

func WithPublisher(p EvictionPublisher) CatalogOption {
	return func(c *Catalog) { c.publisher = p }
}

func NewCatalog(repo Repository, ttl time.Duration, log zerolog.Logger, opts ...CatalogOption) *Catalog {
	return newCatalog(repo, ttl, log, nil, opts...)
}

func newCatalog(repo Repository, ttl time.Duration, log zerolog.Logger, cacheOpts []cache.Option, opts ...CatalogOption) *Catalog {
	c := &Catalog{
		repo:            repo,
		log:             log.With().Str("component", "catalog").Logger(),
		specializations: cache.New[[]Specialization](CacheSpecializations, ttl, cacheOpts...),
		services:        cache.New[[]MedicalService](CacheServices, ttl, cacheOpts...),
		doctors: cache.NewIndexed(CacheDoctors, ttl, func(d Doctor) string {
			return d.ID.String()
		}, cacheOpts...),
		schedules: cache.New[[]ScheduleInterval](CacheSchedules, ttl, cacheOpts...),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Catalog) Specializations(ctx context.Context) ([]Specialization, error) {
	return c.specializations.GetOrLoad(ctx, CacheSpecializations, c.repo.ListSpecializations)
}

func (c *Catalog) Services(ctx context.Context) ([]MedicalService, error) {
	return c.services.GetOrLoad(ctx, CacheServices, c.repo.ListServices)
}

func (c *Catalog) Doctors(ctx context.Context) ([]Doctor, error) {
	return c.doctors.All(ctx, c.repo.ListDoctors)
}

func (c *Catalog) Doctor(ctx context.Context, id uuid.UUID) (Doctor, error) {
	return c.doctors.Get(ctx, id.String(), func(ctx context.Context) (Doctor, error) {
		return c.repo.GetDoctor(ctx, id)
	})
}

// WeeklySchedule returns every interval of the doctor's week, ordered by day
// then start time.
func (c *Catalog) WeeklySchedule(ctx context.Context, doctorID uuid.UUID) ([]ScheduleInterval, error) {
	return c.schedules.GetOrLoad(ctx, doctorID.String(), func(ctx context.Context) ([]ScheduleInterval, error) {
		return c.repo.WeeklySchedule(ctx, doctorID)
	})
}

// ScheduleFor returns the intervals of one ISO day of week.
func (c *Catalog) ScheduleFor(ctx context.Context, doctorID uuid.UUID, dayOfWeek int) ([]ScheduleInterval, error) {
	week, err := c.WeeklySchedule(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	var out []ScheduleInterval
	for _, iv := range week {
		if iv.DayOfWeek == dayOfWeek {
			out = append(out, iv)
		}
	}
	return out, nil
}

// ReplaceSchedule overwrites the doctor's weekly schedule and evicts the
// cached copy here and, when a publisher is set, on every other instance.
func (c *Catalog) ReplaceSchedule(ctx context.Context, doctorID uuid.UUID, intervals []ScheduleInterval) error {
	for i := range intervals {
		intervals[i].DoctorID = doctorID
		if err := intervals[i].Validate(); err != nil {
			return err
		}
	}

	if _, err := c.Doctor(ctx, doctorID); err != nil {
		return err
	}

	if err := c.repo.ReplaceSchedule(ctx, doctorID, intervals); err != nil {
		return err
	}

	key := doctorID.String()
	c.Evict(CacheSchedules, key)

	if c.publisher != nil {
		if err := c.publisher.PublishEviction(ctx, CacheSchedules, key); err != nil {
			c.log.Warn().Err(err).Str("doctor_id", key).Msg("failed to broadcast schedule eviction")
		}
	}
	return nil
}

// Evict drops keys from the named cache. An empty key list purges it.
func (c *Catalog) Evict(cacheName string, keys ...string) {
	switch cacheName {
	case CacheSpecializations:
		evict(c.specializations, keys)
	case CacheServices:
		evict(c.services, keys)
	case CacheDoctors:
		if len(keys) == 0 {
			c.doctors.Purge()
		} else {
			c.doctors.Evict(keys...)
		}
	case CacheSchedules:
		evict(c.schedules, keys)
	default:
		c.log.Debug().Str("cache", cacheName).Msg("eviction for unknown cache ignored")
	}
}

func evict[V any](c *cache.Cache[V], keys []string) {
	if len(keys) == 0 {
		c.Purge()
		return
	}
	c.Invalidate(keys...)
}

// CacheStats reports hit, miss and load counters per cache.
func (c *Catalog) CacheStats() map[string]cache.Stats {
	doctorsAll, doctorsByID := c.doctors.Caches()
	return map[string]cache.Stats{
		c.specializations.Name(): c.specializations.Stats(),
		c.services.Name():        c.services.Stats(),
		doctorsAll.Name():        doctorsAll.Stats(),
		doctorsByID.Name():       doctorsByID.Stats(),
		c.schedules.Name():       c.schedules.Stats(),
	}
}
