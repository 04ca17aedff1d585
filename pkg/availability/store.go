package availability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"urban-assist/urban-assist-queue-server/pkg/config"
	"urban-assist/urban-assist-queue-server/pkg/infra"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

var ErrNotFound = errors.New("availability not found")

const (
	// Availability redis key prefix, one hash per provider.
	availabilityKeyPrefix = "availability:"
)

type record struct {
	Day                 string `redis:"day"`
	TimeSlots           string `redis:"timeSlots"`
	Available           bool   `redis:"available"`
	MaxPatients         int    `redis:"maxPatients"`
	AvgConsultationTime int    `redis:"avgConsultationTime"`
}

type Store struct {
	redisClient *redis.Client
	config      *config.Config
	logger      *zap.SugaredLogger
}

func ProvideStore(redisClient *redis.Client, config *config.Config, loggerFactory *infra.LoggerFactory) *Store {
	return &Store{
		redisClient: redisClient,
		config:      config,
		logger:      loggerFactory.Create("AvailabilityStore").Sugar(),
	}
}

func key(doctorId string) string {
	return availabilityKeyPrefix + doctorId
}

// Save replaces the stored availability of a provider.
func (s *Store) Save(ctx context.Context, doctorId string, a *Availability) error {
	timeSlots, err := a.encodeTimeSlots()
	if err != nil {
		return fmt.Errorf("cannot encode time slots: %w", err)
	}

	if _, err := s.redisClient.HSet(ctx, key(doctorId),
		"day", a.Day,
		"timeSlots", timeSlots,
		"available", a.Available,
		"maxPatients", int(a.MaxPatients),
		"avgConsultationTime", int(a.AvgConsultationTime),
	).Result(); err != nil {
		s.logger.Errorf("err saving availability doctorId[%v] to redis %v", doctorId, err)
		return err
	}

	s.logger.Infof("saved availability doctorId[%v] availability[%+v]", doctorId, a)
	return nil
}

func (s *Store) Get(ctx context.Context, doctorId string) (*Availability, error) {
	cmd := s.redisClient.HGetAll(ctx, key(doctorId))
	values, err := cmd.Result()
	if err != nil {
		s.logger.Errorf("err reading availability doctorId[%v] from redis %v", doctorId, err)
		return nil, err
	}
	if len(values) == 0 {
		return nil, ErrNotFound
	}

	rec := &record{}
	if err := cmd.Scan(rec); err != nil {
		return nil, fmt.Errorf("cannot scan availability: %w", err)
	}

	var timeSlots []string
	if rec.TimeSlots != "" {
		if err := json.Unmarshal([]byte(rec.TimeSlots), &timeSlots); err != nil {
			return nil, fmt.Errorf("cannot decode time slots: %w", err)
		}
	}

	return &Availability{
		DoctorId:            doctorId,
		Day:                 rec.Day,
		TimeSlots:           timeSlots,
		Available:           rec.Available,
		MaxPatients:         Count(rec.MaxPatients),
		AvgConsultationTime: Count(rec.AvgConsultationTime),
	}, nil
}

// AvgConsultation returns the configured consultation length of a
// provider, or the default when nothing usable is stored.
func (s *Store) AvgConsultation(ctx context.Context, doctorId string) (time.Duration, error) {
	fallback := time.Duration(*s.config.DefaultAvgConsultationMinutes) * time.Minute

	minutes, err := s.redisClient.HGet(ctx, key(doctorId), "avgConsultationTime").Int()
	if err == redis.Nil {
		return fallback, nil
	}
	if err != nil {
		return fallback, err
	}
	if minutes <= 0 {
		return fallback, nil
	}
	return time.Duration(minutes) * time.Minute, nil
}
