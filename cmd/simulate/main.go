package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/hospital-scheduling/internal/config"
	"github.com/hackgods/hospital-scheduling/internal/db"
	"github.com/hackgods/hospital-scheduling/internal/logger"
)

type SimConfig struct {
	APIBaseURL   string
	Duration     time.Duration
	Workers      int
	BookingRatio float64
	StatusRatio  float64
	ReadRatio    float64
	PatientLimit int
	DoctorLimit  int
	SlotLimit    int
}

// Target is one bookable doctor slot the workers race for.
type Target struct {
	DoctorID uuid.UUID
	Date     string
	Time     string
}

type DataPool struct {
	Patients []uuid.UUID
	Doctors  []uuid.UUID
	Targets  []Target

	mu           sync.RWMutex
	appointments []uuid.UUID
}

func (dp *DataPool) AddAppointment(id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, id)
}

func (dp *DataPool) RandomAppointment(rng *rand.Rand) (uuid.UUID, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return uuid.Nil, false
	}
	return dp.appointments[rng.Intn(len(dp.appointments))], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case success:
		atomic.AddInt64(&om.Success, 1)
	case conflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, low, high, p50, p95 time.Duration) {
	om.mu.Lock()
	latencies := slices.Clone(om.Latencies)
	om.mu.Unlock()

	if len(latencies) == 0 {
		return 0, 0, 0, 0, 0
	}
	slices.Sort(latencies)

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	pick := func(pct int) time.Duration {
		idx := len(latencies) * pct / 100
		return latencies[min(idx, len(latencies)-1)]
	}

	return sum / time.Duration(len(latencies)), latencies[0], latencies[len(latencies)-1], pick(50), pick(95)
}

type Metrics struct {
	Booking       OperationMetrics
	UpdateStatus  OperationMetrics
	ReadByID      OperationMetrics
	ListByPatient OperationMetrics
	Slots         OperationMetrics
}

type Simulator struct {
	config  SimConfig
	data    *DataPool
	client  *http.Client
	metrics Metrics
	log     zerolog.Logger
}

func main() {
	var cfg SimConfig

	rootCmd := &cobra.Command{
		Use:          "simulate",
		Short:        "Race concurrent bookings against a running API and check for double bookings",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulation(cfg)
		},
	}

	flags := rootCmd.Flags()
	flags.StringVar(&cfg.APIBaseURL, "api", "http://localhost:8080", "API base URL")
	flags.DurationVar(&cfg.Duration, "duration", 30*time.Second, "How long to generate load")
	flags.IntVar(&cfg.Workers, "workers", 10, "Concurrent workers")
	flags.Float64Var(&cfg.BookingRatio, "booking-ratio", 0.5, "Share of booking requests")
	flags.Float64Var(&cfg.StatusRatio, "status-ratio", 0.2, "Share of status updates")
	flags.Float64Var(&cfg.ReadRatio, "read-ratio", 0.3, "Share of reads")
	flags.IntVar(&cfg.PatientLimit, "patients", 4000, "Patients to draw from")
	flags.IntVar(&cfg.DoctorLimit, "doctors", 20, "Scheduled doctors to draw from")
	flags.IntVar(&cfg.SlotLimit, "slots", 200, "Contended slots")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runSimulation(cfg SimConfig) error {
	if err := validateConfig(cfg); err != nil {
		return fmt.Errorf("invalid simulator config: %w", err)
	}
	if total := cfg.BookingRatio + cfg.StatusRatio + cfg.ReadRatio; total > 0 {
		cfg.BookingRatio /= total
		cfg.StatusRatio /= total
		cfg.ReadRatio /= total
	}

	baseCfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load error: %w", err)
	}
	log := logger.New(baseCfg.Env, baseCfg.LogLevel)

	log.Info().
		Dur("duration", cfg.Duration).
		Int("workers", cfg.Workers).
		Float64("booking", cfg.BookingRatio).
		Float64("status", cfg.StatusRatio).
		Float64("read", cfg.ReadRatio).
		Msg("simulator starting")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, baseCfg.PostgresDSN, db.Config{Max: 2, Min: 1, AcquireTimeout: 5 * time.Second}, log)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	sim := &Simulator{
		config: cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}

	sim.data, err = loadDataPool(ctx, pool, cfg)
	if err != nil {
		return fmt.Errorf("load data pool: %w", err)
	}
	if err := sim.loadTargets(ctx, baseCfg.Location()); err != nil {
		return fmt.Errorf("load booking targets: %w", err)
	}

	log.Info().
		Int("patients", len(sim.data.Patients)).
		Int("doctors", len(sim.data.Doctors)).
		Int("targets", len(sim.data.Targets)).
		Msg("data pool loaded")

	sim.Run()
	sim.PrintReport()

	dupes, err := countDoubleBookings(context.Background(), pool)
	if err != nil {
		return fmt.Errorf("double booking check: %w", err)
	}
	if dupes > 0 {
		return fmt.Errorf("double bookings detected on %d slots", dupes)
	}
	log.Info().Msg("no double bookings")
	return nil
}

func validateConfig(cfg SimConfig) error {
	if cfg.Workers <= 0 {
		return fmt.Errorf("--workers must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("--duration must be > 0")
	}
	if cfg.SlotLimit <= 0 {
		return fmt.Errorf("--slots must be > 0")
	}
	return nil
}

func loadIDs(ctx context.Context, h *db.Handle, sql string, limit int) ([]uuid.UUID, error) {
	rows, err := h.Query(ctx, sql, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func loadDataPool(ctx context.Context, pool *db.Pool, cfg SimConfig) (*DataPool, error) {
	data := &DataPool{}

	err := db.WithConn(ctx, pool, func(h *db.Handle) error {
		var err error
		data.Patients, err = loadIDs(ctx, h, `SELECT id FROM patients LIMIT $1`, cfg.PatientLimit)
		if err != nil {
			return fmt.Errorf("load patients: %w", err)
		}
		data.Doctors, err = loadIDs(ctx, h, `
			SELECT DISTINCT doctor_id FROM doctor_schedules LIMIT $1
		`, cfg.DoctorLimit)
		if err != nil {
			return fmt.Errorf("load doctors: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(data.Patients) == 0 {
		return nil, fmt.Errorf("no patients loaded")
	}
	if len(data.Doctors) == 0 {
		return nil, fmt.Errorf("no scheduled doctors loaded")
	}
	return data, nil
}

type slotsBody struct {
	DoctorID uuid.UUID `json:"doctor_id"`
	Date     string    `json:"date"`
	Slots    []string  `json:"slots"`
}

// loadTargets asks the API for open slots over the next week and keeps a
// small set so that workers collide on them.
func (s *Simulator) loadTargets(ctx context.Context, loc *time.Location) error {
	tomorrow := time.Now().In(loc).AddDate(0, 0, 1)

	for day := 0; day < 7 && len(s.data.Targets) < s.config.SlotLimit; day++ {
		date := tomorrow.AddDate(0, 0, day).Format(time.DateOnly)
		for _, doctorID := range s.data.Doctors {
			body, err := s.fetchSlots(ctx, doctorID, date)
			if err != nil {
				return err
			}
			for _, at := range body.Slots {
				s.data.Targets = append(s.data.Targets, Target{DoctorID: doctorID, Date: date, Time: at})
				if len(s.data.Targets) >= s.config.SlotLimit {
					return nil
				}
			}
		}
	}

	if len(s.data.Targets) == 0 {
		return fmt.Errorf("no open slots in the next week")
	}
	return nil
}

func (s *Simulator) fetchSlots(ctx context.Context, doctorID uuid.UUID, date string) (*slotsBody, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/doctors/%s/slots?date=%s", s.config.APIBaseURL, doctorID, date), nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("slots for doctor %s: status %d", doctorID, resp.StatusCode)
	}

	var body slotsBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return &body, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	s.log.Info().Dur("duration", s.config.Duration).Int("workers", s.config.Workers).Msg("starting simulation")

	var g errgroup.Group
	for i := 0; i < s.config.Workers; i++ {
		workerID := i
		g.Go(func() error {
			s.worker(ctx, workerID)
			return nil
		})
	}
	_ = g.Wait()

	s.log.Info().Msg("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		r := rng.Float64()
		switch {
		case r < s.config.BookingRatio:
			s.doBooking(ctx, rng)
		case r < s.config.BookingRatio+s.config.StatusRatio:
			s.doUpdateStatus(ctx, rng)
		default:
			switch rng.Intn(3) {
			case 0:
				s.doReadByID(ctx, rng)
			case 1:
				s.doListByPatient(ctx, rng)
			case 2:
				s.doSlots(ctx, rng)
			}
		}
	}
}

// send performs one request and returns the status code, or 0 on transport
// failure.
func (s *Simulator) send(ctx context.Context, method, url string, payload any) (int, []byte) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, nil
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, nil
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, nil
	}
	defer resp.Body.Close()

	out, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, out
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand) {
	target := s.data.Targets[rng.Intn(len(s.data.Targets))]
	patientID := s.data.Patients[rng.Intn(len(s.data.Patients))]

	start := time.Now()
	code, body := s.send(ctx, http.MethodPost, s.config.APIBaseURL+"/appointments", map[string]string{
		"patient_id": patientID.String(),
		"doctor_id":  target.DoctorID.String(),
		"date":       target.Date,
		"time":       target.Time,
	})
	latency := time.Since(start)

	if code == http.StatusCreated {
		var appt struct {
			ID uuid.UUID `json:"id"`
		}
		if json.Unmarshal(body, &appt) == nil && appt.ID != uuid.Nil {
			s.data.AddAppointment(appt.ID)
		}
	}

	s.metrics.Booking.Record(latency, code == http.StatusCreated, code == http.StatusConflict)
}

var nextStatus = []string{"CONFIRMED", "DONE", "CANCELED"}

func (s *Simulator) doUpdateStatus(ctx context.Context, rng *rand.Rand) {
	apptID, ok := s.data.RandomAppointment(rng)
	if !ok {
		return
	}

	start := time.Now()
	code, _ := s.send(ctx, http.MethodPost,
		fmt.Sprintf("%s/appointments/%s/status", s.config.APIBaseURL, apptID),
		map[string]string{"status": nextStatus[rng.Intn(len(nextStatus))]})
	latency := time.Since(start)

	// A refused transition under the strict policy is expected traffic.
	s.metrics.UpdateStatus.Record(latency, code == http.StatusOK, code == http.StatusBadRequest)
}

func (s *Simulator) doReadByID(ctx context.Context, rng *rand.Rand) {
	apptID, ok := s.data.RandomAppointment(rng)
	if !ok {
		return
	}

	start := time.Now()
	code, _ := s.send(ctx, http.MethodGet, fmt.Sprintf("%s/appointments/%s", s.config.APIBaseURL, apptID), nil)
	s.metrics.ReadByID.Record(time.Since(start), code == http.StatusOK, false)
}

func (s *Simulator) doListByPatient(ctx context.Context, rng *rand.Rand) {
	patientID := s.data.Patients[rng.Intn(len(s.data.Patients))]

	start := time.Now()
	code, _ := s.send(ctx, http.MethodGet,
		fmt.Sprintf("%s/appointments?patient_id=%s&limit=20&offset=0", s.config.APIBaseURL, patientID), nil)
	s.metrics.ListByPatient.Record(time.Since(start), code == http.StatusOK, false)
}

func (s *Simulator) doSlots(ctx context.Context, rng *rand.Rand) {
	target := s.data.Targets[rng.Intn(len(s.data.Targets))]

	start := time.Now()
	code, _ := s.send(ctx, http.MethodGet,
		fmt.Sprintf("%s/doctors/%s/slots?date=%s", s.config.APIBaseURL, target.DoctorID, target.Date), nil)
	s.metrics.Slots.Record(time.Since(start), code == http.StatusOK, false)
}

// countDoubleBookings returns how many doctor slots hold more than one live
// appointment.
func countDoubleBookings(ctx context.Context, pool *db.Pool) (int, error) {
	var n int
	err := db.WithConn(ctx, pool, func(h *db.Handle) error {
		return h.QueryRow(ctx, `
			SELECT count(*) FROM (
				SELECT doctor_id, appt_date, appt_time
				FROM appointments
				WHERE status <> 'CANCELED'
				GROUP BY doctor_id, appt_date, appt_time
				HAVING count(*) > 1
			) d
		`).Scan(&n)
	})
	return n, err
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Printf("Contended slots: %d\n", len(s.data.Targets))
	fmt.Println()

	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Update status", &s.metrics.UpdateStatus)
	printOperationReport("Read by ID", &s.metrics.ReadByID)
	printOperationReport("List by patient", &s.metrics.ListByPatient)
	printOperationReport("Available slots", &s.metrics.Slots)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, low, high, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Rejected: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), low.Round(time.Millisecond), high.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}
