package main

import (
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/mailloop/outreach-backend/internal/config"
	"github.com/mailloop/outreach-backend/internal/db"
	"github.com/mailloop/outreach-backend/internal/metrics"
	"github.com/mailloop/outreach-backend/internal/notify"
	"github.com/mailloop/outreach-backend/internal/queue"
	"github.com/mailloop/outreach-backend/internal/render"
	"github.com/mailloop/outreach-backend/internal/repository"
	"github.com/mailloop/outreach-backend/internal/service"
	"github.com/mailloop/outreach-backend/internal/transport"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file found, relying on OS environment variables")
	}
	cfg := config.Load()

	if err := db.Init(); err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}

	campaignRepo := &repository.CampaignRepository{DB: db.DB}
	messageRepo := &repository.MessageLogRepository{DB: db.DB}
	sequenceRepo := &repository.SequenceRepository{DB: db.DB}
	trackingRepo := &repository.TrackingRepository{DB: db.DB}

	q, err := queue.DialAMQP(cfg.AMQPURL, logger)
	if err != nil {
		logger.Fatal("failed to connect to queue", zap.Error(err))
	}
	defer q.Close()

	sink := metrics.NewProm(prometheus.NewRegistry())
	notifier := &notify.QueueNotifier{Queue: q, Logger: logger}

	scheduler := &service.FollowUpScheduler{
		Sequences: sequenceRepo,
		Queue:     q,
		Logger:    logger,
	}

	dispatchService := &service.DispatchService{
		Campaigns: campaignRepo,
		Messages:  messageRepo,
		Sequences: sequenceRepo,
		Tracking:  trackingRepo,
		Queue:     q,
		Transport: &transport.Console{Logger: logger},
		Scheduler: scheduler,
		Notifier:  notifier,
		Metrics:   sink,
		Links:     render.Links{Base: cfg.TrackingBaseURL},
		Logger:    logger,
	}

	q.Register(queue.DispatchJobName, dispatchService.HandleDispatch, dispatchService.DispatchDeadLetter)
	q.Register(queue.FollowUpJobName, dispatchService.HandleFollowUp, dispatchService.FollowUpDeadLetter)
	q.Register(queue.CompletionCheckJobName, dispatchService.HandleCompletionCheck, nil)

	logger.Info("worker running, waiting for jobs",
		zap.Int("concurrency", cfg.WorkerConcurrency))
	if err := q.Run(cfg.WorkerConcurrency); err != nil {
		logger.Fatal("worker stopped", zap.Error(err))
	}
}
