package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	numUsers       = 8
	numTopics      = 3
	ordersPerUser  = 40
	serverAddress  = "http://localhost:8080"
	startingCash   = "1000"
	adminEmail     = "sim-admin@predictx.io"
	adminPassword  = "sim-admin-password"
	tradesPassword = "sim-user-password"
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
	mu         sync.Mutex
}

func (rs *routeStats) record(d time.Duration, failed bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if failed {
		rs.failures++
	}
}

// calculate computes performance statistics from recorded durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// simulationClient handles HTTP communication with the exchange API
type simulationClient struct {
	baseURL string
	client  *http.Client
	stats   map[string]*routeStats
}

func newSimulationClient() *simulationClient {
	return &simulationClient{
		baseURL: serverAddress,
		client:  &http.Client{Timeout: 10 * time.Second},
		stats: map[string]*routeStats{
			"signup":  {name: "Signup"},
			"login":   {name: "Login"},
			"deposit": {name: "Deposit"},
			"submit":  {name: "Submit Order"},
			"cancel":  {name: "Cancel Order"},
			"topics":  {name: "Topic Admin"},
		},
	}
}

type apiEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// call issues one request, records latency, and decodes the envelope.
func (sc *simulationClient) call(stat, method, path, token string, body interface{}) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := sc.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		sc.stats[stat].record(elapsed, true)
		return nil, err
	}
	defer resp.Body.Close()

	var envelope apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		sc.stats[stat].record(elapsed, true)
		return nil, err
	}

	if !envelope.Success {
		sc.stats[stat].record(elapsed, true)
		code := "UNKNOWN"
		if envelope.Error != nil {
			code = envelope.Error.Code
		}
		return nil, fmt.Errorf("%s %s failed: %s", method, path, code)
	}

	sc.stats[stat].record(elapsed, false)
	return envelope.Data, nil
}

type tokenResponse struct {
	Token  string `json:"jwt_token"`
	UserID string `json:"user_id"`
}

func (sc *simulationClient) registerAndLogin(email, password string) (*tokenResponse, error) {
	creds := map[string]string{"email": email, "password": password}
	if _, err := sc.call("signup", "POST", "/api/v1/auth/signup", "", creds); err != nil {
		return nil, err
	}

	data, err := sc.call("login", "POST", "/api/v1/auth/login", "", creds)
	if err != nil {
		return nil, err
	}

	var token tokenResponse
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, err
	}
	return &token, nil
}

type topicInfo struct {
	TopicID string `json:"topic_id"`
}

// main drives a small trading population: an admin creates topics, users
// fund accounts and trade random prices around the mid, and a latency
// report is printed at the end.
func main() {
	sc := newSimulationClient()

	admin, err := sc.registerAndLogin(adminEmail, adminPassword)
	if err != nil {
		log.Fatal().Err(err).Msg("admin setup failed (is the server running with ADMIN_EMAILS set?)")
	}

	// Create topics
	topicIDs := make([]string, 0, numTopics)
	for i := 0; i < numTopics; i++ {
		body := map[string]interface{}{
			"name": fmt.Sprintf("Simulated market %d", i+1),
		}
		data, err := sc.call("topics", "POST", "/api/v1/internal/topics", admin.Token, body)
		if err != nil {
			log.Fatal().Err(err).Msg("topic creation failed")
		}
		var topic topicInfo
		if err := json.Unmarshal(data, &topic); err != nil {
			log.Fatal().Err(err).Msg("bad topic response")
		}
		topicIDs = append(topicIDs, topic.TopicID)
	}
	log.Info().Int("topics", len(topicIDs)).Msg("topics created")

	// Register and fund traders
	tokens := make([]*tokenResponse, 0, numUsers)
	for i := 0; i < numUsers; i++ {
		token, err := sc.registerAndLogin(fmt.Sprintf("sim-user-%d@predictx.io", i), tradesPassword)
		if err != nil {
			log.Fatal().Err(err).Int("user", i).Msg("user setup failed")
		}
		deposit := map[string]string{"amount": startingCash}
		if _, err := sc.call("deposit", "POST", "/api/v1/account/deposit", token.Token, deposit); err != nil {
			log.Fatal().Err(err).Int("user", i).Msg("deposit failed")
		}
		tokens = append(tokens, token)
	}
	log.Info().Int("users", len(tokens)).Msg("traders funded")

	// Trade
	var wg sync.WaitGroup
	for i, token := range tokens {
		wg.Add(1)
		go func(worker int, token *tokenResponse) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)))

			for n := 0; n < ordersPerUser; n++ {
				side := "BUY"
				if rng.Intn(2) == 1 {
					side = "SELL"
				}
				shareType := "YES"
				if rng.Intn(2) == 1 {
					shareType = "NO"
				}
				// Prices cluster around 0.50 so the books cross often.
				price := 0.30 + rng.Float64()*0.40

				order := map[string]interface{}{
					"topic_id":   topicIDs[rng.Intn(len(topicIDs))],
					"share_type": shareType,
					"side":       side,
					"price":      fmt.Sprintf("%.2f", price),
					"quantity":   fmt.Sprintf("%d", 1+rng.Intn(10)),
				}
				if _, err := sc.call("submit", "POST", "/api/v1/orders", token.Token, order); err != nil {
					log.Debug().Err(err).Int("worker", worker).Msg("order rejected")
				}
				time.Sleep(time.Duration(rng.Intn(50)) * time.Millisecond)
			}
		}(i, token)
	}
	wg.Wait()

	printReport(sc)
}

func printReport(sc *simulationClient) {
	fmt.Println("\n=== Simulation Report ===")
	for _, key := range []string{"signup", "login", "deposit", "topics", "submit", "cancel"} {
		rs := sc.stats[key]
		if rs.totalCalls == 0 {
			continue
		}
		min, max, mean, median, p95, p99 := rs.calculate()
		fmt.Printf("%-14s calls=%-5d failures=%-4d min=%-10s max=%-10s mean=%-10s median=%-10s p95=%-10s p99=%s\n",
			rs.name, rs.totalCalls, rs.failures, min, max, mean, median, p95, p99)
	}
}
