package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"urban-assist/urban-assist-queue-server/pkg/availability"
	"urban-assist/urban-assist-queue-server/pkg/infra"
	"urban-assist/urban-assist-queue-server/pkg/queueview"
)

var (
	baseURL    = flag.String("base-url", "http://localhost:8000", "REST base url of the queue server.")
	doctorId   = flag.String("doctor", "", "Provider whose queue to open.")
	token      = flag.String("token", "", "Session token sent as a bearer credential.")
	contact    = flag.Int64("contact", 0, "Contact number of the signed in user.")
	retryCount = flag.Int("retry", 0, "Retries for failed REST requests.")
	timeout    = flag.Duration("timeout", 10*time.Second, "Timeout of a single REST request.")

	next = flag.Bool("next", false, "Serve the head of the queue and exit.")

	day         = flag.String("day", "", "Set availability for this day and exit.")
	slots       = flag.String("slots", "", "Comma separated time slots, eg. 9:00,10:00.")
	available   = flag.Bool("available", true, "Whether the provider takes patients on that day.")
	maxPatients = flag.Int("max-patients", 0, "Maximum patients per slot.")
	avgMinutes  = flag.Int("avg-minutes", 0, "Average consultation minutes.")
)

func main() {
	flag.Parse()

	loggerFactory := infra.ProvideLoggerFactory()
	defer loggerFactory.Sync()
	logger := loggerFactory.Create("QueueWatch").Sugar()

	var session *queueview.Session
	if *token != "" {
		session = queueview.NewSession(*token, *contact)
	}

	view := queueview.New(queueview.Options{
		BaseURL:    *baseURL,
		HttpClient: infra.ProvideHttpClient(*baseURL, *timeout, *retryCount),
		Session:    session,
		OnSnapshot: printSnapshot,
		OnError: func(err error) {
			logger.Errorf("%s", err)
		},
		OnStateChange: func(state queueview.State) {
			logger.Infof("push channel state[%s]", state)
		},
		OnAvailabilitySaved: func(cfg queueview.AvailabilityConfig) {
			logger.Infof("availability saved, day[%s] slots[%v]", cfg.Day, cfg.TimeSlots)
		},
	}, loggerFactory)
	defer view.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := view.Open(ctx, *doctorId); err != nil {
		logger.Errorf("open queue failed, doctorId[%s] err[%s]", *doctorId, err)
		os.Exit(1)
	}

	switch {
	case *next:
		if err := view.AdvanceQueue(ctx); err != nil {
			os.Exit(1)
		}

	case *day != "":
		view.BeginAvailabilityEdit()
		cfg := queueview.AvailabilityConfig{
			Day:                 *day,
			TimeSlots:           splitSlots(*slots),
			Available:           *available,
			MaxPatients:         availability.Count(*maxPatients),
			AvgConsultationTime: availability.Count(*avgMinutes),
		}
		if err := view.SubmitAvailability(ctx, cfg); err != nil {
			logger.Errorf("set availability failed, err[%s]", err)
			os.Exit(1)
		}

	default:
		<-ctx.Done()
	}
}

func splitSlots(raw string) []string {
	var result []string
	for _, slot := range strings.Split(raw, ",") {
		if slot = strings.TrimSpace(slot); slot != "" {
			result = append(result, slot)
		}
	}
	return result
}

func printSnapshot(snapshot queueview.Snapshot) {
	fmt.Printf("\n%s  doctor %s, %d waiting\n", snapshot.FetchedAt.Format(time.Kitchen), snapshot.DoctorId, snapshot.Len())
	for _, entry := range snapshot.Entries {
		fmt.Printf("%3d  %-24s %12d  ~%d min\n", entry.Position, entry.PatientName, entry.ContactNumber, entry.EstimatedTimeMinutes)
	}
}
