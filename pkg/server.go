package main

import (
	"context"
	"fmt"
	"net/http"

	"urban-assist/urban-assist-queue-server/pkg/config"
	"urban-assist/urban-assist-queue-server/pkg/infra"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Server struct {
	application *Application
	server      *http.Server
	config      *config.Config
	logger      *zap.SugaredLogger
}

func newEcho(application *Application, logger *zap.SugaredLogger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.RequestID())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"http://localhost:3000"},
		AllowCredentials: true,
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency:   true,
		LogMethod:    true,
		LogURI:       true,
		LogRequestID: true,
		LogStatus:    true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Infof("%v %v id[%v] status[%v] latency[%vms]", v.Method, v.URI, v.RequestID, v.Status, v.Latency.Milliseconds())
			return nil
		},
	}))

	e.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, "Hello, World!\n")
	})

	e.PUT("/debug", func(c echo.Context) error {
		infra.LoggerLevel.SetLevel(zapcore.DebugLevel)
		logger.Info("debug logging enabled")
		return c.NoContent(http.StatusOK)
	})

	e.DELETE("/debug", func(c echo.Context) error {
		infra.LoggerLevel.SetLevel(zapcore.InfoLevel)
		logger.Info("debug logging disabled")
		return c.NoContent(http.StatusOK)
	})

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	doctors := e.Group("/doctors/:doctorId")
	doctors.GET("/queue/", application.GetQueue)
	doctors.GET("/queue/stats/", application.QueueStats)
	doctors.POST("/queue/join/", application.JoinQueue)
	doctors.POST("/queue/next/", application.NextPatient)
	doctors.DELETE("/queue/cancel/", application.CancelAppointment)
	doctors.GET("/queue/ws/", application.HandleWs)
	doctors.GET("/availability/", application.GetAvailability)
	doctors.POST("/availability/", application.SetAvailability)
	doctors.POST("/time_slots/", application.TimeSlots)

	e.GET("/get_appointment_details/:doctorId", application.GetAppointmentDetails)

	return e
}

func ProvideServer(application *Application, config *config.Config, loggerFactory *infra.LoggerFactory) *Server {
	logger := loggerFactory.Create("Server").Sugar()

	return &Server{
		application: application,
		server: &http.Server{
			Addr:    fmt.Sprintf(":%v", config.ServerPort),
			Handler: newEcho(application, logger),
			//ReadTimeout: 30 * time.Second, // customize http.Server timeouts
		},
		config: config,
		logger: logger,
	}
}

func (s *Server) Run() {
	s.logger.Infof("server running application")
	s.application.Run()

	s.logger.Infof("server starts listening on port[%v]", s.config.ServerPort)
	if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
		s.logger.Error(err)
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Infof("server shutting down")
	err := s.server.Shutdown(ctx)

	// Hijacked websocket connections are not covered by Shutdown, the
	// hub closes them.
	s.application.Stop()
	return err
}
