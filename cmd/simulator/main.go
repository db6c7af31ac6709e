package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dom/ranked-matchmaking/internal/domain"
	"github.com/dom/ranked-matchmaking/internal/websocket"
	gorillaWS "github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	apiURL := envOr("API_URL", "http://localhost:8080")
	client := NewAPIClient(apiURL, os.Getenv("SERVICE_KEY"), os.Getenv("JWT_SECRET"))

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "run":
		runCmd(client, args)
	case "samples":
		samplesCmd(client, args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printUsage() {
	fmt.Println(`Queue Simulator - Development load generator for ranked matchmaking

USAGE:
  simulator <command> [options]

COMMANDS:
  run       Queue fake players, answer ready checks and play out matches
  samples   Print match quality samples recorded since a given time
  help      Show this help message

ENVIRONMENT:
  API_URL      Backend API URL (default: http://localhost:8080)
  JWT_SECRET   Secret the server signs player tokens with
  SERVICE_KEY  Plain service key for placement, anti-cheat and result routes

EXAMPLES:
  # 20 placed players in NA, everyone accepts, matches are played out
  simulator run --players=20

  # One in five ready checks is declined
  simulator run --players=40 --accept-rate=0.8 --duration=5m

  # Provisional players only, stop at the session lock
  simulator run --players=10 --place=false --play=false

  # Quality samples of the last 10 minutes
  simulator samples --since=10m`)
}

type simStats struct {
	searches    atomic.Int64
	readyChecks atomic.Int64
	accepted    atomic.Int64
	declined    atomic.Int64
	requeued    atomic.Int64
	cancelled   atomic.Int64
	matches     atomic.Int64
	aborted     atomic.Int64
	results     atomic.Int64
	errors      atomic.Int64
}

type simulation struct {
	client     *APIClient
	queueType  string
	region     string
	acceptRate float64
	play       bool
	requeue    bool
	stats      simStats

	// first player to see MATCH_FOUND plays the collaborator role for that session
	claimed sync.Map
}

func runCmd(client *APIClient, args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	players := fs.Int("players", 10, "Number of fake players")
	queueType := fs.String("queue", string(domain.QueueRankedSolo), "Queue type")
	region := fs.String("region", "na", "Region to queue in")
	acceptRate := fs.Float64("accept-rate", 1.0, "Probability a player accepts a ready check")
	place := fs.Bool("place", true, "Complete placements before queueing")
	play := fs.Bool("play", true, "Acknowledge anti-cheat and report a random result for each match")
	requeue := fs.Bool("requeue", true, "Search again after a match or cancellation")
	duration := fs.Duration("duration", 2*time.Minute, "How long to run")
	fs.Parse(args)

	if *players < 2 {
		fmt.Println("Error: --players must be at least 2")
		os.Exit(1)
	}
	if *acceptRate < 0 || *acceptRate > 1 {
		fmt.Println("Error: --accept-rate must be between 0 and 1")
		os.Exit(1)
	}

	sim := &simulation{
		client:     client,
		queueType:  *queueType,
		region:     *region,
		acceptRate: *acceptRate,
		play:       *play,
		requeue:    *requeue,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	fmt.Println("=== Queue Simulator ===")
	fmt.Printf("Creating %d players... ", *players)
	roster := make([]*SimPlayer, *players)
	for i := range roster {
		p, err := client.NewPlayer(fmt.Sprintf("SimPlayer%d", i+1))
		if err != nil {
			fmt.Printf("FAILED\n  Error: %v\n", err)
			os.Exit(1)
		}
		roster[i] = p
	}
	fmt.Println("OK")

	if *place {
		fmt.Println("Completing placements:")
		for i, p := range roster {
			wins := rand.IntN(11)
			r, err := client.Place(p, wins, 10-wins)
			if err != nil {
				fmt.Printf("  [%d/%d] FAILED: %v\n", i+1, len(roster), err)
				os.Exit(1)
			}
			fmt.Printf("  [%d/%d] %s -> %.0f (%s %d)\n", i+1, len(roster), p.Name, r.RatingMean, r.Tier, r.Division)
		}
	}

	start := time.Now()
	fmt.Printf("\nQueueing in %s/%s for %s...\n", sim.queueType, sim.region, duration.String())

	g, gctx := errgroup.WithContext(ctx)
	for i, p := range roster {
		role := domain.AllRoles[i%len(domain.AllRoles)]
		g.Go(func() error { return sim.drive(gctx, p, role) })
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		fmt.Printf("Simulation stopped: %v\n", err)
	}

	sim.report(time.Since(start))
}

// drive keeps one player connected and answering until ctx is done
func (s *simulation) drive(ctx context.Context, p *SimPlayer, role domain.Role) error {
	conn, _, err := gorillaWS.DefaultDialer.DialContext(ctx, s.client.WebSocketURL(p), nil)
	if err != nil {
		return fmt.Errorf("%s: websocket dial failed: %w", p.Name, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.WriteMessage(gorillaWS.CloseMessage, gorillaWS.FormatCloseMessage(gorillaWS.CloseNormalClosure, ""))
		conn.Close()
	}()

	latency := 20 + rand.IntN(50)
	search := func() {
		if _, err := s.client.Search(p, s.queueType, s.region, []string{string(role)}, latency); err != nil {
			s.stats.errors.Add(1)
			fmt.Printf("  %s: %v\n", p.Name, err)
			return
		}
		s.stats.searches.Add(1)
	}
	// Socket first, so no ready check is missed.
	search()

	var writeMu sync.Mutex
	send := func(msgType websocket.MessageType, payload interface{}) {
		msg, err := websocket.NewMessage(msgType, payload)
		if err != nil {
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.WriteJSON(msg); err != nil {
			s.stats.errors.Add(1)
		}
	}

	for {
		var msg websocket.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%s: websocket read failed: %w", p.Name, err)
		}

		switch msg.Type {
		case websocket.MessageTypeReadyCheckStarted:
			var payload websocket.ReadyCheckStartedPayload
			if json.Unmarshal(msg.Payload, &payload) != nil {
				continue
			}
			s.stats.readyChecks.Add(1)
			status := domain.ReadyAccepted
			if rand.Float64() >= s.acceptRate {
				status = domain.ReadyDeclined
				s.stats.declined.Add(1)
			} else {
				s.stats.accepted.Add(1)
			}
			// Humans take a moment to click.
			time.Sleep(time.Duration(50+rand.IntN(400)) * time.Millisecond)
			send(websocket.MessageTypeReadyCheckResponse, websocket.ReadyCheckResponsePayload{
				CandidateID: payload.CandidateID,
				Status:      status,
			})

		case websocket.MessageTypeRequeued:
			s.stats.requeued.Add(1)

		case websocket.MessageTypeTicketCancelled:
			s.stats.cancelled.Add(1)
			if s.requeue {
				go func() {
					// A player still cooling down from a decline gets NOT_ELIGIBLE here.
					time.Sleep(time.Second)
					if ctx.Err() == nil {
						search()
					}
				}()
			}

		case websocket.MessageTypeMatchFound:
			var payload websocket.MatchFoundPayload
			if json.Unmarshal(msg.Payload, &payload) != nil {
				continue
			}
			if _, loaded := s.claimed.LoadOrStore(payload.CandidateID, p.ID); !loaded {
				s.stats.matches.Add(1)
				if s.play {
					go s.playOut(payload)
				}
			}

		case websocket.MessageTypeMatchAborted:
			s.stats.aborted.Add(1)

		case websocket.MessageTypeError:
			var payload websocket.ErrorPayload
			if json.Unmarshal(msg.Payload, &payload) == nil {
				fmt.Printf("  %s: server error %s: %s\n", p.Name, payload.Code, payload.Message)
			}
			s.stats.errors.Add(1)
		}

		if msg.Type == websocket.MessageTypeMatchFound && s.requeue && s.play {
			// The ticket is consumed once the session starts.
			go func() {
				for i := 0; i < 20 && ctx.Err() == nil; i++ {
					time.Sleep(250 * time.Millisecond)
					if _, err := s.client.Me(p); err != nil {
						search()
						return
					}
				}
			}()
		}
	}
}

// playOut acts as anti-cheat and as the game server for one session
func (s *simulation) playOut(found websocket.MatchFoundPayload) {
	time.Sleep(time.Duration(100+rand.IntN(400)) * time.Millisecond)
	if _, err := s.client.AckAntiCheat(found.CandidateID, found.SessionServerID); err != nil {
		s.stats.errors.Add(1)
		fmt.Printf("  %s: %v\n", found.CandidateID, err)
		return
	}

	winner := rand.IntN(len(found.Teams))
	results := make([]domain.TeamResult, len(found.Teams))
	for i, team := range found.Teams {
		outcome := domain.OutcomeLoss
		if i == winner {
			outcome = domain.OutcomeWin
		}
		results[i] = domain.TeamResult{TeamIndex: team.Index, PlayerIDs: team.PlayerIDs(), Outcome: outcome}
	}
	ratings, err := s.client.ReportResult(found.CandidateID, results)
	if err != nil {
		s.stats.errors.Add(1)
		fmt.Printf("  %s: %v\n", found.CandidateID, err)
		return
	}
	s.stats.results.Add(1)

	fmt.Printf("  match %s: team %d won, %d ratings updated\n", found.CandidateID, found.Teams[winner].Index, len(ratings))
}

func (s *simulation) report(elapsed time.Duration) {
	fmt.Println()
	fmt.Println("=========================================")
	fmt.Printf("  SIMULATION COMPLETE (%s)\n", elapsed.Round(time.Second))
	fmt.Println("=========================================")
	fmt.Printf("  Searches:      %d\n", s.stats.searches.Load())
	fmt.Printf("  Ready checks:  %d (accepted %d, declined %d)\n", s.stats.readyChecks.Load(), s.stats.accepted.Load(), s.stats.declined.Load())
	fmt.Printf("  Requeued:      %d\n", s.stats.requeued.Load())
	fmt.Printf("  Cancelled:     %d\n", s.stats.cancelled.Load())
	fmt.Printf("  Matches:       %d (aborted %d, results %d)\n", s.stats.matches.Load(), s.stats.aborted.Load(), s.stats.results.Load())
	fmt.Printf("  Errors:        %d\n", s.stats.errors.Load())
}

func samplesCmd(client *APIClient, args []string) {
	fs := flag.NewFlagSet("samples", flag.ExitOnError)
	since := fs.Duration("since", 10*time.Minute, "How far back to export")
	fs.Parse(args)

	samples, err := client.QualitySamples(time.Now().Add(-*since))
	if err != nil {
		fmt.Printf("Failed to export samples: %v\n", err)
		os.Exit(1)
	}
	if len(samples) == 0 {
		fmt.Println("No samples recorded.")
		return
	}

	byOutcome := make(map[domain.QualityOutcome][]float64)
	for _, sample := range samples {
		byOutcome[sample.Outcome] = append(byOutcome[sample.Outcome], sample.Score)
	}
	outcomes := make([]string, 0, len(byOutcome))
	for o := range byOutcome {
		outcomes = append(outcomes, string(o))
	}
	sort.Strings(outcomes)

	fmt.Printf("%d samples since %s\n", len(samples), time.Now().Add(-*since).Format(time.RFC3339))
	for _, o := range outcomes {
		scores := byOutcome[domain.QualityOutcome(o)]
		var sum float64
		for _, v := range scores {
			sum += v
		}
		fmt.Printf("  %-10s count=%-5d mean score=%.3f\n", o, len(scores), sum/float64(len(scores)))
	}
}
