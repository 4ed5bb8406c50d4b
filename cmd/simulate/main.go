package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aloktripathi1/hospital-management-system/internal/config"
	"github.com/aloktripathi1/hospital-management-system/internal/db"
)

// The simulator drives the booking API under concurrent load. In mixed mode
// it spreads bookings, cancellations and slot reads over random providers;
// in contention mode every worker hammers one slot so the run can assert the
// ledger's exactly-one-winner guarantee end to end.
type SimConfig struct {
	APIBaseURL  string
	Duration    time.Duration
	Workers     int
	Contention  bool
	BookRatio   float64
	CancelRatio float64
	ReadRatio   float64
	PostgresDSN string
	Location    *time.Location
}

type slotTarget struct {
	ProviderID int64
	StartsAt   time.Time
}

type booking struct {
	ID        int64
	SubjectID int64
}

type DataPool struct {
	Subjects []int64
	Slots    []slotTarget

	mu       sync.RWMutex
	bookings []booking
}

func (dp *DataPool) AddBooking(b booking) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.bookings = append(dp.bookings, b)
}

func (dp *DataPool) RandomBooking(rng *rand.Rand) (booking, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.bookings) == 0 {
		return booking{}, false
	}
	return dp.bookings[rng.Intn(len(dp.bookings))], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	mu        sync.Mutex
	latencies []time.Duration
}

func (om *OperationMetrics) Record(latency time.Duration, success, conflict bool) {
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
	om.latencies = append(om.latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.latencies) == 0 {
		return 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.latencies))
	copy(latencies, om.latencies)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	avg = sum / time.Duration(len(latencies))

	idx := func(p int) time.Duration {
		i := len(latencies) * p / 100
		if i >= len(latencies) {
			i = len(latencies) - 1
		}
		return latencies[i]
	}
	return avg, idx(50), idx(95)
}

type Metrics struct {
	Book      OperationMetrics
	Cancel    OperationMetrics
	ReadSlots OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("simulator starting")

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	log.Printf("config: duration=%s workers=%d contention=%v book=%.2f cancel=%.2f read=%.2f",
		cfg.Duration, cfg.Workers, cfg.Contention, cfg.BookRatio, cfg.CancelRatio, cfg.ReadRatio)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool)
	if err != nil {
		log.Fatalf("load data pool: %v", err)
	}
	log.Printf("loaded: %d subjects, %d open slots", len(dataPool.Subjects), len(dataPool.Slots))

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
	}

	if cfg.Contention {
		sim.RunContention()
	} else {
		sim.Run()
	}
	sim.PrintReport()
}

func loadConfig() SimConfig {
	baseCfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load base config: %v", err)
	}

	cfg := SimConfig{
		APIBaseURL:  getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:    getDuration("SIM_DURATION", 30*time.Second),
		Workers:     getInt("SIM_WORKERS", 10),
		Contention:  os.Getenv("SIM_CONTENTION") == "true",
		BookRatio:   getFloat("SIM_BOOK_RATIO", 0.5),
		CancelRatio: getFloat("SIM_CANCEL_RATIO", 0.2),
		ReadRatio:   getFloat("SIM_READ_RATIO", 0.3),
		PostgresDSN: baseCfg.PostgresDSN,
		Location:    baseCfg.Location,
	}

	total := cfg.BookRatio + cfg.CancelRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookRatio /= total
		cfg.CancelRatio /= total
		cfg.ReadRatio /= total
	}

	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required (set in .env or environment)")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	return nil
}

// loadDataPool reads subjects and future open window starts. A window start
// is always a valid slot start, whatever the provider's granularity.
func loadDataPool(ctx context.Context, pool *pgxpool.Pool) (*DataPool, error) {
	dataPool := &DataPool{}

	rows, err := pool.Query(ctx, `
		SELECT id FROM subjects WHERE NOT blacklisted LIMIT 4000
	`)
	if err != nil {
		return nil, fmt.Errorf("load subjects: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		dataPool.Subjects = append(dataPool.Subjects, id)
	}

	rows, err = pool.Query(ctx, `
		SELECT provider_id, starts_at
		FROM availability_windows
		WHERE open AND starts_at > now()
		ORDER BY starts_at
		LIMIT 2400
	`)
	if err != nil {
		return nil, fmt.Errorf("load windows: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var t slotTarget
		if err := rows.Scan(&t.ProviderID, &t.StartsAt); err != nil {
			return nil, err
		}
		dataPool.Slots = append(dataPool.Slots, t)
	}

	if len(dataPool.Subjects) == 0 {
		return nil, fmt.Errorf("no subjects loaded, run cmd/seed first")
	}
	if len(dataPool.Slots) == 0 {
		return nil, fmt.Errorf("no open slots loaded, run cmd/seed first")
	}

	return dataPool, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	log.Printf("starting mixed simulation for %s with %d workers", s.config.Duration, s.config.Workers)

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	log.Println("simulation complete")
}

// RunContention fires every worker at one slot with a distinct subject and
// checks that exactly one booking wins.
func (s *Simulator) RunContention() {
	if len(s.pool.Subjects) < s.config.Workers {
		log.Fatalf("contention mode needs at least %d subjects", s.config.Workers)
	}
	target := s.pool.Slots[0]
	log.Printf("contention run: %d workers -> provider %d at %s",
		s.config.Workers, target.ProviderID, target.StartsAt.Format(time.RFC3339))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(subjectID int64) {
			defer wg.Done()
			s.doBook(ctx, subjectID, target)
		}(s.pool.Subjects[i])
	}
	wg.Wait()

	success := atomic.LoadInt64(&s.metrics.Book.Success)
	conflicts := atomic.LoadInt64(&s.metrics.Book.Conflict)
	if success == 1 {
		log.Printf("OK: exactly one of %d concurrent bookings won (%d conflicts)", s.config.Workers, conflicts)
	} else {
		log.Printf("VIOLATION: expected exactly 1 winner, got %d (%d conflicts)", success, conflicts)
	}
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
			r := rng.Float64()
			switch {
			case r < s.config.BookRatio:
				target := s.pool.Slots[rng.Intn(len(s.pool.Slots))]
				subjectID := s.pool.Subjects[rng.Intn(len(s.pool.Subjects))]
				s.doBook(ctx, subjectID, target)
			case r < s.config.BookRatio+s.config.CancelRatio:
				s.doCancel(ctx, rng)
			default:
				target := s.pool.Slots[rng.Intn(len(s.pool.Slots))]
				s.doReadSlots(ctx, target)
			}
		}
	}
}

func (s *Simulator) doBook(ctx context.Context, subjectID int64, target slotTarget) {
	start := time.Now()

	local := target.StartsAt.In(s.config.Location)
	reqBody := map[string]any{
		"subject_id":  subjectID,
		"provider_id": target.ProviderID,
		"date":        local.Format("2006-01-02"),
		"time":        local.Format("15:04"),
	}
	body, _ := json.Marshal(reqBody)

	req, _ := http.NewRequestWithContext(ctx, "POST", s.config.APIBaseURL+"/appointments", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	conflict := false

	if err == nil {
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusCreated:
			success = true
			var apptResp struct {
				ID int64 `json:"id"`
			}
			bodyBytes, _ := io.ReadAll(resp.Body)
			if json.Unmarshal(bodyBytes, &apptResp) == nil && apptResp.ID != 0 {
				s.pool.AddBooking(booking{ID: apptResp.ID, SubjectID: subjectID})
			}
		case http.StatusConflict:
			conflict = true
		}
	}

	s.metrics.Book.Record(latency, success, conflict)
}

func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand) {
	b, ok := s.pool.RandomBooking(rng)
	if !ok {
		return
	}

	start := time.Now()

	url := fmt.Sprintf("%s/appointments/%d/cancel", s.config.APIBaseURL, b.ID)
	req, _ := http.NewRequestWithContext(ctx, "POST", url, nil)
	req.Header.Set("X-Actor-Role", "subject")
	req.Header.Set("X-Actor-ID", strconv.FormatInt(b.SubjectID, 10))

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	conflict := false
	if err == nil {
		resp.Body.Close()
		success = resp.StatusCode == http.StatusOK
		conflict = resp.StatusCode == http.StatusConflict
	}

	s.metrics.Cancel.Record(latency, success, conflict)
}

func (s *Simulator) doReadSlots(ctx context.Context, target slotTarget) {
	start := time.Now()

	local := target.StartsAt.In(s.config.Location)
	url := fmt.Sprintf("%s/providers/%d/slots?date=%s",
		s.config.APIBaseURL, target.ProviderID, local.Format("2006-01-02"))
	req, _ := http.NewRequestWithContext(ctx, "GET", url, nil)

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	if err == nil {
		resp.Body.Close()
		success = resp.StatusCode == http.StatusOK
	}

	s.metrics.ReadSlots.Record(latency, success, false)
}

func (s *Simulator) PrintReport() {
	report := func(name string, om *OperationMetrics) {
		avg, p50, p95 := om.Stats()
		log.Printf("%-10s total=%d success=%d conflict=%d error=%d avg=%s p50=%s p95=%s",
			name,
			atomic.LoadInt64(&om.Total),
			atomic.LoadInt64(&om.Success),
			atomic.LoadInt64(&om.Conflict),
			atomic.LoadInt64(&om.Error),
			avg, p50, p95,
		)
	}

	log.Println("---- simulation report ----")
	report("book", &s.metrics.Book)
	report("cancel", &s.metrics.Cancel)
	report("read", &s.metrics.ReadSlots)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
