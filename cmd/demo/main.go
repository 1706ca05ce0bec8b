// Command demo runs a chatcore client end to end: it creates a topic, sends
// a message, streams the scripted response through the approval gate, and
// prints throttled state snapshots as they arrive.
//
// Without flags it is fully self-contained. Pass -redis to wire the Pulse
// notification transport and the replicated session service, -mongo to
// persist history in MongoDB, and -anthropic-key to stream from the real
// Claude Messages API instead of the built-in script.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/log"
	"goa.design/pulse/rmap"

	chatcore "github.com/chatcore-dev/chatcore"
	"github.com/chatcore-dev/chatcore/approval"
	historymongo "github.com/chatcore-dev/chatcore/features/history/mongo"
	clientsmongo "github.com/chatcore-dev/chatcore/features/history/mongo/clients/mongo"
	notifypulse "github.com/chatcore-dev/chatcore/features/notify/pulse"
	clientspulse "github.com/chatcore-dev/chatcore/features/notify/pulse/clients/pulse"
	sessionreplicated "github.com/chatcore-dev/chatcore/features/session/replicated"
	sourceanthropic "github.com/chatcore-dev/chatcore/features/source/anthropic"
	"github.com/chatcore-dev/chatcore/observe"
	"github.com/chatcore-dev/chatcore/streaming"
	"github.com/chatcore-dev/chatcore/telemetry"
	"github.com/chatcore-dev/chatcore/topic"
)

func main() {
	var (
		redisAddrF    = flag.String("redis", "", "Redis address for the Pulse transport and replicated sessions (empty disables)")
		mongoURIF     = flag.String("mongo", "", "MongoDB URI for durable history (empty disables)")
		mongoDBF      = flag.String("mongo-db", "chatcore", "MongoDB database name")
		anthropicKeyF = flag.String("anthropic-key", "", "Anthropic API key (empty uses the scripted source)")
		modelF        = flag.String("model", "claude-sonnet-4-20250514", "Claude model identifier")
		promptF       = flag.String("prompt", "Summarize the quarterly report", "Message to send")
		dbgF          = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	if err := run(ctx, *redisAddrF, *mongoURIF, *mongoDBF, *anthropicKeyF, *modelF, *promptF); err != nil {
		log.Errorf(ctx, err, "demo failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, redisAddr, mongoURI, mongoDB, anthropicKey, model, prompt string) error {
	var source streaming.Source
	if anthropicKey != "" {
		src, err := sourceanthropic.NewFromAPIKey(anthropicKey, sourceanthropic.Options{Model: model})
		if err != nil {
			return err
		}
		source = src
	} else {
		source = scriptedSource{}
	}

	opts := []chatcore.Option{chatcore.WithLogger(telemetry.NewClueLogger())}

	if redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
		defer func() { _ = rdb.Close() }()

		pc, err := clientspulse.New(clientspulse.Options{Redis: rdb, StreamMaxLen: 1000})
		if err != nil {
			return err
		}
		transport, err := notifypulse.New(notifypulse.Options{Client: pc})
		if err != nil {
			return err
		}
		sessions, err := rmap.Join(ctx, "chatcore_sessions", rdb)
		if err != nil {
			return fmt.Errorf("join session map: %w", err)
		}
		store := sessionreplicated.New(sessions)
		opts = append(opts,
			chatcore.WithTransport(transport),
			chatcore.WithSession(store),
			chatcore.WithRecorder(store),
		)
	}

	if mongoURI != "" {
		mc, err := mongo.Connect(ctx, mongooptions.Client().ApplyURI(mongoURI))
		if err != nil {
			return fmt.Errorf("connect mongo: %w", err)
		}
		defer func() { _ = mc.Disconnect(context.Background()) }()

		hc, err := clientsmongo.New(clientsmongo.Options{Client: mc, Database: mongoDB})
		if err != nil {
			return err
		}
		store, err := historymongo.NewStore(hc)
		if err != nil {
			return err
		}
		opts = append(opts, chatcore.WithPersistence(store))
	}

	client, err := chatcore.New(source, opts...)
	if err != nil {
		return err
	}
	client.Start(ctx)

	id := topic.ID("demo")
	if err := client.CreateTopic(ctx, topic.Topic{ID: id, DisplayName: "Demo conversation"}); err != nil {
		return err
	}

	sub, err := client.Subscribe(observe.ObserverFunc(func(ctx context.Context, s observe.Snapshot) error {
		log.Print(ctx,
			log.KV{K: "topic", V: string(s.Topic)},
			log.KV{K: "streaming", V: s.Streaming},
			log.KV{K: "text", V: s.Content.Text},
			log.KV{K: "terminal", V: s.Terminal},
		)
		return nil
	}))
	if err != nil {
		return err
	}
	defer func() { _ = sub.Close() }()

	if err := client.SendMessage(ctx, id, prompt); err != nil {
		return err
	}

	// The scripted source pauses at an approval decision point; approve it
	// once it shows up so the stream can finish.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
			if pending, ok := client.PendingApproval(id); ok {
				client.ResolveApproval(ctx, pending.ID, approval.Approved)
				return
			}
		}
	}()

	client.Wait()

	for _, msg := range client.Messages(id) {
		log.Print(ctx, log.KV{K: "role", V: string(msg.Role)}, log.KV{K: "content", V: msg.Content})
	}
	return nil
}

// scriptedSource streams a canned response with a tool call behind an
// approval decision point. It keeps the demo runnable without network
// access or credentials.
type scriptedSource struct{}

func (scriptedSource) Open(_ context.Context, _ topic.ID, prompt string) (streaming.Stream, error) {
	return &scriptedStream{
		chunks: []streaming.Chunk{
			{Type: streaming.ChunkReasoning, Reasoning: "Looking at the request.", Seq: 1},
			{Type: streaming.ChunkText, Text: "Working on it", Seq: 2},
			{Type: streaming.ChunkApproval, Approval: &streaming.ApprovalRequest{
				ID:    "demo-approval",
				Calls: []streaming.ToolCall{{ID: "call-1", Name: "reports.fetch", Arguments: `{"quarter":"Q3"}`}},
			}, Seq: 3},
			{Type: streaming.ChunkToolCall, ToolCall: &streaming.ToolCall{ID: "call-1", Name: "reports.fetch", Arguments: `{"quarter":"Q3"}`}, Seq: 4},
			{Type: streaming.ChunkText, Text: fmt.Sprintf(": %q is done.", prompt), Seq: 5},
			{Type: streaming.ChunkDone, Seq: 6},
		},
	}, nil
}

type scriptedStream struct {
	chunks []streaming.Chunk
	pos    int
}

func (s *scriptedStream) Recv() (streaming.Chunk, error) {
	if s.pos >= len(s.chunks) {
		return streaming.Chunk{}, io.EOF
	}
	// Pace the chunks so the snapshot throttle has something to coalesce.
	time.Sleep(20 * time.Millisecond)
	chunk := s.chunks[s.pos]
	s.pos++
	return chunk, nil
}

func (s *scriptedStream) Close() error {
	s.pos = len(s.chunks)
	return nil
}
