// saga-participant is a simulated participant for local runs. It consumes
// its command stream from Redis and answers every command with a
// configured reply type.
//
//	PARTICIPANT_NAME=credit \
//	PARTICIPANT_REPLIES=ReserveCredit=CreditReserved,ReleaseCredit=CreditReleased \
//	saga-participant
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	saga "github.com/grafikui/saga-orchestrator-go"
	"github.com/grafikui/saga-orchestrator-go/internal/config"
	"github.com/grafikui/saga-orchestrator-go/internal/logger"
	"github.com/grafikui/saga-orchestrator-go/redisstream"
)

type participantConfig struct {
	Name      string
	RedisAddr string
	Replies   map[string]string
	Delay     time.Duration
	LogLevel  string
}

func loadConfig() (*participantConfig, error) {
	if _, err := config.Load(".env"); err != nil {
		return nil, err
	}
	cfg := &participantConfig{
		Name:      config.GetEnv("PARTICIPANT_NAME", ""),
		RedisAddr: config.GetEnv("REDIS_ADDR", "localhost:6379"),
		Delay:     config.GetEnvDuration("PARTICIPANT_DELAY", 0),
		LogLevel:  config.GetEnv("LOG_LEVEL", "info"),
	}
	if cfg.Name == "" {
		return nil, errors.New("PARTICIPANT_NAME is required")
	}
	replies, err := parseReplies(config.GetEnvSlice("PARTICIPANT_REPLIES", nil))
	if err != nil {
		return nil, err
	}
	cfg.Replies = replies
	return cfg, nil
}

// parseReplies reads CommandType=ReplyType pairs.
func parseReplies(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, errors.New("PARTICIPANT_REPLIES is required")
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		cmd, reply, ok := strings.Cut(p, "=")
		cmd, reply = strings.TrimSpace(cmd), strings.TrimSpace(reply)
		if !ok || cmd == "" || reply == "" {
			return nil, fmt.Errorf("invalid reply mapping %q, want Command=Reply", p)
		}
		out[cmd] = reply
	}
	return out, nil
}

// newHandler answers each configured command type with its reply type.
// Commands without a mapping are left unanswered so the step times out.
func newHandler(replies map[string]string, delay time.Duration, log *zerolog.Logger) saga.CommandHandler {
	scripted := saga.NewScriptedParticipant()
	for cmd, reply := range replies {
		scripted.On(cmd, saga.ScriptedResponse{ReplyType: reply})
	}
	return saga.CommandHandlerFunc(func(ctx context.Context, cmd saga.CommandMessage) (saga.ReplyMessage, bool) {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return saga.ReplyMessage{}, false
			}
		}
		reply, ok := scripted.HandleCommand(ctx, cmd)
		log.Info().
			Str("saga_id", cmd.SagaID).
			Str("command_type", cmd.CommandType).
			Str("reply_type", reply.ReplyType).
			Bool("answered", ok).
			Msg("command received")
		return reply, ok
	})
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New("saga-participant-"+cfg.Name, cfg.LogLevel, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer client.Close()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("connect to redis")
	}

	opts := redisstream.DefaultOptions()
	opts.Logger = log
	p := redisstream.NewParticipant(client, cfg.Name, newHandler(cfg.Replies, cfg.Delay, log), opts)

	log.Info().Str("participant", cfg.Name).Str("stream", opts.CommandStream(cfg.Name)).Msg("consuming commands")
	if err := p.ConsumeCommands(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("participant stopped")
	}
}
