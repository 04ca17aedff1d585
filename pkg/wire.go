//go:build wireinject
// +build wireinject

package main

import (
	"urban-assist/urban-assist-queue-server/pkg/availability"
	"urban-assist/urban-assist-queue-server/pkg/client"
	"urban-assist/urban-assist-queue-server/pkg/config"
	"urban-assist/urban-assist-queue-server/pkg/infra"
	"urban-assist/urban-assist-queue-server/pkg/queue"

	"github.com/google/wire"
)

func Setup() (*Server, error) {
	wire.Build(wire.NewSet(
		config.ProvideConfig,
		infra.ProvideLoggerFactory,
		infra.ProvideRedisClient,
		availability.ProvideStore,
		wire.Bind(new(queue.AvgConsultationSource), new(*availability.Store)),
		queue.ProvideQueue,
		client.ProvideHub,
		ProvideApplication,
		ProvideServer,
	))
	return nil, nil
}
