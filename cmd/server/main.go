package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mailloop/outreach-backend/internal/config"
	"github.com/mailloop/outreach-backend/internal/controller"
	"github.com/mailloop/outreach-backend/internal/db"
	"github.com/mailloop/outreach-backend/internal/handler"
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

	registry := prometheus.NewRegistry()
	sink := metrics.NewProm(registry)

	var q queue.Queue
	var memQ *queue.Memory
	switch cfg.QueueDriver {
	case "amqp":
		amqpQ, err := queue.DialAMQP(cfg.AMQPURL, logger)
		if err != nil {
			logger.Fatal("failed to connect to queue", zap.Error(err))
		}
		defer amqpQ.Close()
		q = amqpQ
	default:
		// Single-binary dev mode: jobs run in-process.
		memQ = queue.NewMemory(logger)
		q = memQ
	}

	notifier := &notify.QueueNotifier{Queue: q, Logger: logger}

	campaignService := &service.CampaignService{
		Campaigns:           campaignRepo,
		Queue:               q,
		Logger:              logger,
		DispatchMaxAttempts: cfg.DispatchMaxAttempts,
		DispatchBackoff:     cfg.DispatchBackoff,
	}

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

	trackingService := &service.TrackingService{
		Tracking: trackingRepo,
		Messages: messageRepo,
		Notifier: notifier,
		Metrics:  sink,
		Logger:   logger,
	}

	if memQ != nil {
		memQ.Register(queue.DispatchJobName, dispatchService.HandleDispatch, dispatchService.DispatchDeadLetter)
		memQ.Register(queue.FollowUpJobName, dispatchService.HandleFollowUp, dispatchService.FollowUpDeadLetter)
		memQ.Register(queue.CompletionCheckJobName, dispatchService.HandleCompletionCheck, nil)
		memQ.Register(queue.WorkflowEventJobName, func(payload []byte) error {
			logger.Info("workflow event", zap.ByteString("payload", payload))
			return nil
		}, nil)
	}

	campaignController := &controller.CampaignController{CampaignService: campaignService}
	trackingHandler := &handler.TrackingHandler{Tracking: trackingService, Logger: logger}

	r := chi.NewRouter()

	r.Post("/campaigns", campaignController.CreateCampaign)
	r.Get("/campaigns", campaignController.ListCampaigns)
	r.Get("/campaigns/{id}", campaignController.GetCampaignDetails)
	r.Post("/campaigns/{id}/schedule", campaignController.ScheduleCampaign)
	r.Post("/campaigns/{id}/pause", campaignController.PauseCampaign)
	r.Post("/campaigns/{id}/cancel", campaignController.CancelCampaign)
	r.Post("/campaigns/{id}/preview", campaignController.PersonalizedPreview)

	r.Get("/track/open/{messageID}", trackingHandler.OpenPixel)
	r.Get("/track/click/{messageID}", trackingHandler.ClickRedirect)
	r.Post("/webhooks/reply", trackingHandler.ReplyWebhook)

	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	logger.Info("server running", zap.String("addr", cfg.HTTPAddr))
	if err := http.ListenAndServe(cfg.HTTPAddr, r); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}
