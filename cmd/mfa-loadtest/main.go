// Command mfa-loadtest drives concurrent MFA verification traffic against an
// engine backed by memstore and Redis lockout counters.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	goMFA "github.com/MrEthical07/goMFA"
	"github.com/MrEthical07/goMFA/memstore"
	"github.com/alicebob/miniredis/v2"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/redis/go-redis/v9"
)

type userState struct {
	id      string
	secret  string
	backups []string
	mu      sync.Mutex
}

// stepClock moves in whole TOTP steps so generated codes stay inside the
// verification window.
type stepClock struct {
	base time.Time
	step atomic.Int64
}

func (c *stepClock) Now() time.Time {
	return c.base.Add(time.Duration(c.step.Load()) * 30 * time.Second)
}

func (c *stepClock) at(step int64) time.Time {
	return c.base.Add(time.Duration(step) * 30 * time.Second)
}

// advanceTo never moves the clock backwards.
func (c *stepClock) advanceTo(step int64) {
	for {
		cur := c.step.Load()
		if step <= cur || c.step.CompareAndSwap(cur, step) {
			return
		}
	}
}

func main() {
	var (
		users       = flag.Int("users", 2000, "number of enrolled users to seed")
		concurrency = flag.Int("concurrency", 64, "number of concurrent workers")
		ops         = flag.Int("ops", 50000, "operations per phase")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
		prefix      = flag.String("prefix", "mfl", "lockout key prefix")
	)
	flag.Parse()

	if *users <= 0 || *concurrency <= 0 || *ops <= 0 {
		fmt.Fprintln(os.Stderr, "users, concurrency, and ops must be > 0")
		os.Exit(2)
	}
	if *users < 2*(*concurrency) {
		fmt.Fprintln(os.Stderr, "users must be at least twice the concurrency")
		os.Exit(2)
	}

	ctx := context.Background()

	addr := *redisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}

	var (
		cleanup func()
		client  redis.UniversalClient
	)
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start miniredis: %v\n", err)
			os.Exit(1)
		}
		addr = mr.Addr()
		client = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: []string{addr},
		})
		cleanup = func() {
			_ = client.Close()
			mr.Close()
		}
		fmt.Printf("using miniredis at %s\n", addr)
	} else {
		client = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: []string{addr},
		})
		cleanup = func() { _ = client.Close() }
		fmt.Printf("using redis at %s\n", addr)
	}
	defer cleanup()

	clk := &stepClock{base: time.Now().Truncate(30 * time.Second)}
	cfg := goMFA.DefaultConfig()
	cfg.Keys.AuditSigningKey = bytes.Repeat([]byte{'a'}, 32)
	cfg.Keys.SecretEncryptionKey = bytes.Repeat([]byte{'e'}, 32)
	cfg.Lockout.RedisPrefix = *prefix
	cfg.Metrics.Enabled = true

	store := memstore.New()
	engine, err := goMFA.New().
		WithConfig(cfg).
		WithConfigStore(store).
		WithAuditStore(store).
		WithRedis(client).
		WithClock(clk.Now).
		Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "build failed: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	states := make([]userState, *users)
	fmt.Printf("enrolling %d users...\n", *users)
	startSeed := time.Now()
	for i := range states {
		if err := enroll(ctx, engine, clk, &states[i], fmt.Sprintf("user-%d", i)); err != nil {
			fmt.Fprintf(os.Stderr, "enroll failed: %v\n", err)
			os.Exit(1)
		}
	}
	clk.advanceTo(1)
	fmt.Printf("enrolled in %s\n", time.Since(startSeed).Round(time.Millisecond))

	totpStats := runTOTPPhase(ctx, engine, clk, states, *ops, *concurrency)
	backupStats := runBackupPhase(ctx, engine, states, *ops, *concurrency)
	failStats, lockouts := runFailurePhase(ctx, engine, states, *ops, *concurrency)

	fmt.Println("---- results ----")
	printStats("verify totp", totpStats)
	printStats("verify backup", backupStats)
	printStats("verify wrong", failStats)
	fmt.Printf("lockouts triggered=%d audit entries dropped=%d\n", lockouts, engine.AuditDropped())
}

func enroll(ctx context.Context, engine *goMFA.Engine, clk *stepClock, st *userState, id string) error {
	setup, err := engine.BeginSetup(ctx, id, id)
	if err != nil {
		return err
	}
	code, err := codeAt(setup.SecretBase32, clk.Now())
	if err != nil {
		return err
	}
	res, err := engine.ConfirmSetup(ctx, id, code)
	if err != nil {
		return err
	}
	st.id = id
	st.secret = setup.SecretBase32
	st.backups = res.BackupCodes
	return nil
}

// runTOTPPhase visits users round robin. Round r verifies at step r+1, so
// each user presents a fresh step every time.
func runTOTPPhase(ctx context.Context, engine *goMFA.Engine, clk *stepClock, states []userState, ops, concurrency int) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				state := &states[i%len(states)]
				step := int64(i/len(states)) + 1
				clk.advanceTo(step)

				code, err := codeAt(state.secret, clk.at(step))
				if err != nil {
					atomic.AddInt64(&failures, 1)
					continue
				}
				state.mu.Lock()
				t0 := time.Now()
				_, err = engine.Verify(ctx, state.id, code)
				d := time.Since(t0)
				state.mu.Unlock()
				if err != nil {
					atomic.AddInt64(&failures, 1)
				}

				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	total := time.Since(start)
	return computeStats(total, latencies, failures)
}

func runBackupPhase(ctx context.Context, engine *goMFA.Engine, states []userState, ops, concurrency int) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)*7919))
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				state := &states[r.Intn(len(states))]

				state.mu.Lock()
				if len(state.backups) == 0 {
					state.mu.Unlock()
					continue
				}
				code := state.backups[0]
				state.backups = state.backups[1:]
				t0 := time.Now()
				_, err := engine.Verify(ctx, state.id, code)
				d := time.Since(t0)
				state.mu.Unlock()
				if err != nil {
					atomic.AddInt64(&failures, 1)
				}

				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	total := time.Since(start)
	return computeStats(total, latencies, failures)
}

// runFailurePhase submits wrong codes. Once a user is locked out, further
// attempts exercise the rejection path that skips code checks.
func runFailurePhase(ctx context.Context, engine *goMFA.Engine, states []userState, ops, concurrency int) (phaseStats, int64) {
	var (
		wg        sync.WaitGroup
		cursor    int64
		lockouts  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)
	before := engine.MetricsSnapshot().Counters[goMFA.MetricLockoutTriggered]

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)*6151))
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				state := &states[r.Intn(len(states))]
				t0 := time.Now()
				_, err := engine.Verify(ctx, state.id, "000000")
				d := time.Since(t0)
				if err != nil && !errors.Is(err, goMFA.ErrVerificationFailed) && !errors.Is(err, goMFA.ErrLockedOut) {
					fmt.Fprintf(os.Stderr, "unexpected error: %v\n", err)
				}

				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	total := time.Since(start)
	lockouts = int64(engine.MetricsSnapshot().Counters[goMFA.MetricLockoutTriggered] - before)
	return computeStats(total, latencies, 0), lockouts
}

func codeAt(secret string, at time.Time) (string, error) {
	return totp.GenerateCodeCustom(secret, at, totp.ValidateOpts{
		Period:    30,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	idx := (len(samples) - 1) * p / 100
	return samples[idx]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}
