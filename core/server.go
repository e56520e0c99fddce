package core

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"miner-uptime/config"
	"miner-uptime/pool"
	"miner-uptime/push"
)

// Pass names accepted by RunOnce.
const (
	PassPoll      = "poll"
	PassLiveness  = "liveness"
	PassReminders = "reminders"
	PassPush      = "push"
	PassInApp     = "inapp"
)

type Server struct {
	cfg      *config.Config
	postgres *Postgres
	redis    *Redis

	pools        []string
	coordinators map[string]*Coordinator
	liveness     *Liveness
	reminders    *Reminders
	push         *PushWorker
	inApp        *InAppWorker
	api          *Api

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

func NewServer(cfg *config.Config) *Server {
	s := &Server{
		cfg:      cfg,
		postgres: NewPostgres(cfg.Postgres),
		redis:    NewRedis(cfg.Redis),

		coordinators: make(map[string]*Coordinator),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	for _, pc := range cfg.Poller.Pools {
		if !*pc.Enabled {
			continue
		}
		adapter, err := pool.New(pc)
		if err != nil {
			log.Fatalf("Invalid pool config: %v", err)
		}
		s.pools = append(s.pools, adapter.Name())
		s.coordinators[adapter.Name()] = NewCoordinator(cfg.Poller, pc, s.redis.Prefix, adapter, s.postgres, s.redis)
	}

	outbox := NewOutbox(s.postgres)
	s.liveness = NewLiveness(cfg.Liveness, s.postgres, s.postgres, outbox)
	s.reminders = NewReminders(cfg.Liveness, s.postgres, s.postgres, s.postgres, outbox)
	s.push = NewPushWorker(cfg.Push, s.postgres, s.postgres, s.postgres, push.NewExpo(cfg.Push))
	s.inApp = NewInAppWorker(cfg.InApp, s.postgres)

	if *cfg.Api.Enabled {
		s.api = NewApi(*cfg.Api.Listen, s.postgres)
	}
	return s
}

// Migrate creates tables and indexes.
func (s *Server) Migrate(ctx context.Context) error {
	return s.postgres.Migrate(ctx)
}

func (s *Server) Start() {
	if err := s.redis.Ping(s.ctx); err != nil {
		log.Fatalf("Unable to reach redis: %v", err)
	}
	if *s.cfg.Postgres.Migrate {
		if err := s.Migrate(s.ctx); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
	}

	s.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(log.StandardLogger()))),
	)

	if *s.cfg.Poller.Enabled {
		for _, name := range s.pools {
			name := name
			s.schedule(*s.cfg.Poller.Schedule, PassPoll+":"+name, func() error { return s.RunOnce(s.ctx, PassPoll, name) })
		}
	}
	if *s.cfg.Liveness.Enabled {
		s.schedule(*s.cfg.Liveness.Schedule, PassLiveness, func() error { return s.RunOnce(s.ctx, PassLiveness, "") })
		s.schedule(*s.cfg.Liveness.ReminderSchedule, PassReminders, func() error { return s.RunOnce(s.ctx, PassReminders, "") })
	}
	if *s.cfg.Push.Enabled {
		s.schedule(*s.cfg.Push.Schedule, PassPush, func() error { return s.RunOnce(s.ctx, PassPush, "") })
	}
	if *s.cfg.InApp.Enabled {
		s.schedule(*s.cfg.InApp.Schedule, PassInApp, func() error { return s.RunOnce(s.ctx, PassInApp, "") })
	}
	s.cron.Start()
	log.Infof("%s started with %d scheduled passes", *s.cfg.Name, len(s.cron.Entries()))

	if s.api != nil {
		s.api.Start()
	}
}

func (s *Server) schedule(spec, name string, fn func() error) {
	_, err := s.cron.AddFunc(spec, func() {
		if err := fn(); err != nil {
			log.Errorf("Pass %s failed: %v", name, err)
		}
	})
	if err != nil {
		log.Fatalf("Invalid schedule %q for %s: %v", spec, name, err)
	}
}

// RunOnce executes a single pass. poolName is only used by the poll pass.
func (s *Server) RunOnce(ctx context.Context, pass, poolName string) error {
	switch pass {
	case PassPoll:
		c, ok := s.coordinators[poolName]
		if !ok {
			return fmt.Errorf("pool %q is not configured or disabled", poolName)
		}
		_, err := c.RunSlot(ctx)
		return err
	case PassLiveness:
		_, err := s.liveness.RunAll(ctx)
		return err
	case PassReminders:
		_, err := s.reminders.Run(ctx)
		return err
	case PassPush:
		_, err := s.push.Run(ctx)
		return err
	case PassInApp:
		_, err := s.inApp.Run(ctx)
		return err
	}
	return fmt.Errorf("unknown pass %q", pass)
}

func (s *Server) Close() {
	s.cancel()
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	if s.api != nil {
		s.api.Close()
	}
	if err := s.redis.Close(); err != nil {
		log.Errorf("Closing redis: %v", err)
	}
	s.postgres.Close()
}
