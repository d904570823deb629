package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/aeolun/chatrelay/pkg/client"
	"github.com/aeolun/chatrelay/pkg/protocol"
	"github.com/google/uuid"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur. Excepteur sint occaecat cupidatat non proident, sunt in culpa qui officia deserunt mollit anim id est laborum."

var loremWords = strings.Fields(loremIpsum)

// BotClient is a scripted chat user
type BotClient struct {
	id       int
	username string
	api      *client.API
	conn     *client.Connection
	stats    *Stats

	mu      sync.Mutex
	pending map[string]time.Time // nonce -> post time
	own     []string             // ids of our own visible messages
	events  []string             // every broadcast event, in arrival order

	done chan struct{}
}

// NewBotClient creates a bot. With spoofOrigin each bot claims its own
// X-Forwarded-For address so servers enforcing one account per origin
// (and trusting proxy headers) accept it.
func NewBotClient(id int, server string, spoofOrigin bool, stats *Stats) (*BotClient, error) {
	api, err := client.NewAPI(server)
	if err != nil {
		return nil, err
	}
	if spoofOrigin {
		api.Header = http.Header{"X-Forwarded-For": {fmt.Sprintf("10.%d.%d.%d", 100+id/65536, id/256%256, id%256)}}
	}

	return &BotClient{
		id:       id,
		username: fmt.Sprintf("bot%d-%s", id, uuid.NewString()[:8]),
		api:      api,
		stats:    stats,
		pending:  make(map[string]time.Time),
		done:     make(chan struct{}),
	}, nil
}

// Connect registers, logs in and joins the room
func (bc *BotClient) Connect(ctx context.Context) error {
	password := uuid.NewString()
	if err := bc.api.Register(ctx, bc.username, password); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	login, err := bc.api.Login(ctx, bc.username, password)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}

	bc.conn = client.NewConnection(bc.api.WebSocketURL(), login.Token)
	bc.conn.SetReconnect(false, 0)
	if err := bc.conn.Connect(ctx); err != nil {
		return err
	}

	select {
	case frame := <-bc.conn.Incoming():
		if frame.Type != protocol.TypeAuthSuccess {
			bc.conn.Close()
			return fmt.Errorf("expected auth_success, got %s %s", frame.Type, frame.Text())
		}
	case <-time.After(5 * time.Second):
		bc.conn.Close()
		return fmt.Errorf("timeout waiting for auth_success")
	}

	go bc.readLoop()
	return nil
}

func (bc *BotClient) readLoop() {
	for {
		select {
		case frame := <-bc.conn.Incoming():
			bc.handleFrame(frame)
		case update := <-bc.conn.StateChanges():
			if update.State == client.StateTypeDisconnected {
				bc.stats.recordDisconnection()
				log.Printf("[Bot %d] disconnected: %v", bc.id, update.Err)
			}
		case <-bc.done:
			return
		}
	}
}

func (bc *BotClient) handleFrame(frame *protocol.ServerFrame) {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	switch frame.Type {
	case protocol.TypeMessage:
		rec, err := frame.Record()
		if err != nil {
			return
		}
		bc.events = append(bc.events, "post:"+rec.ID)
		if rec.Sender != bc.username {
			return
		}
		bc.own = append(bc.own, rec.ID)
		if nonce := nonceOf(rec.Text); nonce != "" {
			if start, ok := bc.pending[nonce]; ok {
				delete(bc.pending, nonce)
				bc.stats.recordEcho(time.Since(start))
			}
		}
	case protocol.TypeMessageRecalled:
		bc.events = append(bc.events, "recall:"+frame.MessageID)
	case protocol.TypeMessageDeleted:
		bc.events = append(bc.events, "delete:"+frame.MessageID)
	case protocol.TypeError:
		bc.stats.recordServerError()
	}
}

// nonceOf extracts the trailing #nonce of a bot message
func nonceOf(text string) string {
	i := strings.LastIndexByte(text, '#')
	if i < 0 {
		return ""
	}
	return text[i+1:]
}

func (bc *BotClient) PostRandomMessage(n int) error {
	wordCount := 5 + rand.Intn(16)
	words := make([]string, 0, wordCount+1)
	for i := 0; i < wordCount; i++ {
		words = append(words, loremWords[rand.Intn(len(loremWords))])
	}
	nonce := fmt.Sprintf("%d-%d", bc.id, n)
	words = append(words, "#"+nonce)

	bc.mu.Lock()
	bc.pending[nonce] = time.Now()
	bc.mu.Unlock()

	if err := bc.conn.Send(protocol.ClientFrame{Type: protocol.TypeMessage, Text: strings.Join(words, " ")}); err != nil {
		bc.stats.recordFailure()
		return err
	}
	return nil
}

// RecallRandom recalls or deletes one of our own messages
func (bc *BotClient) RecallRandom() error {
	bc.mu.Lock()
	if len(bc.own) == 0 {
		bc.mu.Unlock()
		return nil
	}
	i := rand.Intn(len(bc.own))
	id := bc.own[i]
	bc.own = append(bc.own[:i], bc.own[i+1:]...)
	bc.mu.Unlock()

	frameType := protocol.TypeRecall
	if rand.Intn(2) == 0 {
		frameType = protocol.TypeDelete
	}
	if err := bc.conn.Send(protocol.ClientFrame{Type: frameType, MessageID: id}); err != nil {
		bc.stats.recordFailure()
		return err
	}
	bc.stats.recalls.Add(1)
	return nil
}

func (bc *BotClient) Run(ctx context.Context, duration, minDelay, maxDelay time.Duration) {
	endTime := time.Now().Add(duration)

	for n := 0; time.Now().Before(endTime); n++ {
		if rand.Float32() < 0.1 {
			bc.RecallRandom()
		} else {
			bc.PostRandomMessage(n)
		}

		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// Finish stops reading and counts posts whose echo never arrived
func (bc *BotClient) Finish() []string {
	close(bc.done)
	bc.conn.Close()

	bc.mu.Lock()
	defer bc.mu.Unlock()
	for range bc.pending {
		bc.stats.recordTimeout()
	}
	return bc.events
}

func main() {
	server := flag.String("server", "http://localhost:3001", "Server base URL")
	numClients := flag.Int("clients", 10, "Number of concurrent clients")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 1*time.Second, "Minimum delay between actions (server default allows 60/min)")
	maxDelay := flag.Duration("max-delay", 2*time.Second, "Maximum delay between actions")
	settle := flag.Duration("settle", 2*time.Second, "Time to wait for in-flight broadcasts after the run")
	spoofOrigin := flag.Bool("spoof-origin", false, "Give each bot its own X-Forwarded-For address (server needs trust_proxy_headers)")
	flag.Parse()

	// ramp up over 25% of the test duration
	rampUpDuration := *duration / 4
	staggerDelay := rampUpDuration / time.Duration(*numClients)
	if staggerDelay < time.Millisecond {
		staggerDelay = time.Millisecond
	}

	log.Printf("Starting load test:")
	log.Printf("  Server: %s", *server)
	log.Printf("  Clients: %d", *numClients)
	log.Printf("  Duration: %v", *duration)
	log.Printf("  Ramp-up: %v (%v per client)", rampUpDuration, staggerDelay)
	log.Printf("  Delay: %v - %v", *minDelay, *maxDelay)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stats := &Stats{}
	startTime := time.Now()

	stopStats := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				posted, failed, connErrors, avg := stats.snapshot()
				rate := float64(posted) / time.Since(startTime).Seconds()
				log.Printf("Stats: %d echoed (%.1f/s), %d failed, %d conn errors, avg %v",
					posted, rate, failed, connErrors, avg.Round(time.Microsecond))
			case <-stopStats:
				return
			}
		}
	}()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		bots []*BotClient
	)
	for i := 0; i < *numClients && ctx.Err() == nil; i++ {
		wg.Add(1)
		// bots that start later run shorter so everyone stops together
		runFor := *duration - time.Duration(i)*staggerDelay

		go func(id int, runFor time.Duration) {
			defer wg.Done()

			bot, err := NewBotClient(id, *server, *spoofOrigin, stats)
			if err != nil {
				log.Fatalf("Invalid server: %v", err)
			}
			connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err = bot.Connect(connectCtx)
			cancel()
			if err != nil {
				stats.recordConnectionError()
				log.Printf("[Bot %d] %v", id, err)
				return
			}
			if id%100 == 0 {
				log.Printf("[Bot %d] connected as %s", id, bot.username)
			}

			mu.Lock()
			bots = append(bots, bot)
			mu.Unlock()

			bot.Run(ctx, runFor, *minDelay, *maxDelay)
		}(i, runFor)

		time.Sleep(staggerDelay)
	}

	wg.Wait()
	time.Sleep(*settle)
	close(stopStats)

	var sequences [][]string
	for _, bot := range bots {
		sequences = append(sequences, bot.Finish())
	}

	elapsed := time.Since(startTime)
	posted, failed, connErrors, avg := stats.snapshot()

	log.Printf("=== Final Results ===")
	log.Printf("Duration: %v", elapsed.Round(time.Millisecond))
	log.Printf("Messages echoed: %d (%.1f/s)", posted, float64(posted)/elapsed.Seconds())
	log.Printf("Recalls/deletes: %d", stats.recalls.Load())
	log.Printf("Messages failed: %d", failed)
	log.Printf("  - Server errors: %d", stats.serverErrors.Load())
	log.Printf("  - Never echoed: %d", stats.timeouts.Load())
	log.Printf("  - Disconnections: %d", stats.disconnections.Load())
	log.Printf("Connection errors: %d", connErrors)
	log.Printf("Echo latency: avg %v, p50 %v, p99 %v",
		avg.Round(time.Microsecond),
		stats.percentile(50).Round(time.Microsecond),
		stats.percentile(99).Round(time.Microsecond))

	if posted+failed > 0 {
		log.Printf("Success rate: %.1f%%", float64(posted)/float64(posted+failed)*100)
	}

	if len(sequences) < 2 {
		log.Printf("Ordering: not enough clients to compare")
		return
	}
	violations := 0
	for i := 1; i < len(sequences); i++ {
		shared, err := checkOrder(sequences[0], sequences[i])
		if err != nil {
			violations++
			log.Printf("Ordering: client %d vs client 0 (%d shared events): %v", i, shared, err)
		}
	}
	if violations > 0 {
		log.Printf("Ordering: %d of %d clients diverged", violations, len(sequences)-1)
		os.Exit(1)
	}
	log.Printf("Ordering: all %d clients agree on the event order", len(sequences))
}
