// Package main provides a load testing tool for the messaging WebSocket gateway.
//
// Each client mints a bearer token for its user, exchanges it for a ticket, joins the
// conversation and sends a message every interval, recording ack latency.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"parley/internal/events"
	"parley/internal/identity"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Metrics tracks the test results
type Metrics struct {
	ConnectionsAttempted int64
	ConnectionsSuccess   int64
	ConnectionsFailed    int64
	MessagesSent         int64
	MessagesAcked        int64
	MessagesReceived     int64
	Errors               int64

	mu        sync.Mutex
	latencies []time.Duration
}

func (m *Metrics) recordLatency(d time.Duration) {
	m.mu.Lock()
	m.latencies = append(m.latencies, d)
	m.mu.Unlock()
}

var metrics Metrics

type config struct {
	host         string
	conversation uint
	interval     time.Duration
	tokens       *identity.JWTProvider
}

func main() {
	host := flag.String("host", "localhost:8375", "API server host")
	secret := flag.String("secret", os.Getenv("JWT_SECRET"), "JWT secret used to mint client tokens")
	issuer := flag.String("issuer", "parley-api", "JWT issuer")
	audience := flag.String("audience", "parley-clients", "JWT audience")
	users := flag.String("users", "1,2", "Comma-separated participant user IDs; clients cycle through them")
	conversation := flag.Uint("conversation", 1, "Conversation to join and send to")
	clients := flag.Int("clients", 50, "Number of concurrent clients")
	duration := flag.Duration("duration", 30*time.Second, "Test duration")
	interval := flag.Duration("interval", 5*time.Second, "Send interval per client")
	flag.Parse()

	userIDs, err := parseUsers(*users)
	if err != nil {
		log.Fatalf("❌ %v", err)
	}
	if *secret == "" {
		log.Fatal("❌ -secret or JWT_SECRET is required")
	}

	log.Printf("🚀 Starting Chat Load Test")
	log.Printf("Target: %s conversation=%d", *host, *conversation)
	log.Printf("Clients: %d", *clients)
	log.Printf("Duration: %v", *duration)

	cfg := config{
		host:         *host,
		conversation: *conversation,
		interval:     *interval,
		tokens:       identity.NewJWTProvider(*secret, *issuer, *audience, nil, nil),
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	var wg sync.WaitGroup
	stopChan := make(chan struct{})

	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go runClient(cfg, userIDs[i%len(userIDs)], i, stopChan, &wg)
		time.Sleep(50 * time.Millisecond) // Stagger connections to stay under the ticket rate limit
	}

	select {
	case <-time.After(*duration):
		log.Println("⏱️  Test duration reached")
	case <-interrupt:
		log.Println("🛑 Interrupted by user")
	}

	close(stopChan)
	log.Println("Waiting for clients to disconnect...")
	wg.Wait()

	printMetrics()
}

func parseUsers(raw string) ([]uint, error) {
	var ids []uint
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseUint(part, 10, 32)
		if err != nil || id == 0 {
			return nil, fmt.Errorf("invalid user ID %q", part)
		}
		ids = append(ids, uint(id))
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("at least one user ID is required")
	}
	return ids, nil
}

func getTicket(host, token string) (string, error) {
	ticketURL := fmt.Sprintf("http://%s/api/ws/ticket", host)
	req, _ := http.NewRequest(http.MethodPost, ticketURL, nil)
	req.Header.Set("Authorization", "Bearer "+token)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ticket issuance failed with status %d", resp.StatusCode)
	}

	var result struct {
		Ticket string `json:"ticket"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	return result.Ticket, nil
}

func runClient(cfg config, userID uint, id int, stopChan <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	atomic.AddInt64(&metrics.ConnectionsAttempted, 1)

	token, err := cfg.tokens.Issue(userID, time.Hour)
	if err != nil {
		atomic.AddInt64(&metrics.ConnectionsFailed, 1)
		return
	}
	ticket, err := getTicket(cfg.host, token)
	if err != nil {
		atomic.AddInt64(&metrics.ConnectionsFailed, 1)
		atomic.AddInt64(&metrics.Errors, 1)
		return
	}

	u := url.URL{Scheme: "ws", Host: cfg.host, Path: "/api/ws", RawQuery: "ticket=" + url.QueryEscape(ticket)}
	c, resp, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		atomic.AddInt64(&metrics.ConnectionsFailed, 1)
		atomic.AddInt64(&metrics.Errors, 1)
		return
	}
	if resp != nil && resp.Body != nil {
		defer func() { _ = resp.Body.Close() }()
	}
	defer func() { _ = c.Close() }()

	atomic.AddInt64(&metrics.ConnectionsSuccess, 1)

	var pending sync.Map // request ID -> send time
	go readLoop(c, &pending)

	var writeMu sync.Mutex
	write := func(f events.Frame) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return c.WriteJSON(f)
	}
	if err := write(events.Frame{Type: events.FrameJoin, ConversationID: cfg.conversation}); err != nil {
		atomic.AddInt64(&metrics.Errors, 1)
		return
	}

	ticker := time.NewTicker(cfg.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopChan:
			writeMu.Lock()
			_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			writeMu.Unlock()
			return
		case <-ticker.C:
			reqID := uuid.NewString()
			pending.Store(reqID, time.Now())
			err := write(events.Frame{
				Type:           events.FrameSend,
				RequestID:      reqID,
				ConversationID: cfg.conversation,
				Content:        fmt.Sprintf("Load test message from client %d", id),
				MessageType:    "text",
			})
			if err != nil {
				atomic.AddInt64(&metrics.Errors, 1)
				return
			}
			atomic.AddInt64(&metrics.MessagesSent, 1)
		}
	}
}

func readLoop(c *websocket.Conn, pending *sync.Map) {
	for {
		_, raw, err := c.ReadMessage()
		if err != nil {
			return
		}
		var ev struct {
			Type    string `json:"type"`
			Payload struct {
				RequestID string `json:"request_id"`
			} `json:"payload"`
		}
		if json.Unmarshal(raw, &ev) != nil {
			continue
		}
		switch ev.Type {
		case events.Ack:
			if sent, ok := pending.LoadAndDelete(ev.Payload.RequestID); ok {
				atomic.AddInt64(&metrics.MessagesAcked, 1)
				metrics.recordLatency(time.Since(sent.(time.Time)))
			}
		case events.MessageCreated:
			atomic.AddInt64(&metrics.MessagesReceived, 1)
		case events.Error:
			atomic.AddInt64(&metrics.Errors, 1)
		}
	}
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

func printMetrics() {
	metrics.mu.Lock()
	lat := append([]time.Duration(nil), metrics.latencies...)
	metrics.mu.Unlock()
	sort.Slice(lat, func(i, j int) bool { return lat[i] < lat[j] })

	log.Println("\n📊 Test Results")
	log.Println("===============")
	log.Printf("Connections Attempted: %d", atomic.LoadInt64(&metrics.ConnectionsAttempted))
	log.Printf("Connections Successful: %d", atomic.LoadInt64(&metrics.ConnectionsSuccess))
	log.Printf("Connections Failed: %d", atomic.LoadInt64(&metrics.ConnectionsFailed))
	log.Printf("Messages Sent: %d", atomic.LoadInt64(&metrics.MessagesSent))
	log.Printf("Messages Acked: %d", atomic.LoadInt64(&metrics.MessagesAcked))
	log.Printf("Messages Received: %d", atomic.LoadInt64(&metrics.MessagesReceived))
	log.Printf("Ack latency p50=%v p95=%v p99=%v", percentile(lat, 0.50), percentile(lat, 0.95), percentile(lat, 0.99))
	log.Printf("Total Errors: %d", atomic.LoadInt64(&metrics.Errors))
}
