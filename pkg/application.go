package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"urban-assist/urban-assist-queue-server/pkg/availability"
	"urban-assist/urban-assist-queue-server/pkg/client"
	"urban-assist/urban-assist-queue-server/pkg/config"
	"urban-assist/urban-assist-queue-server/pkg/infra"
	"urban-assist/urban-assist-queue-server/pkg/queue"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

type Application struct {
	config       *config.Config
	hub          *client.Hub
	queue        *queue.Queue
	availability *availability.Store
	wsUpgrader   *websocket.Upgrader
	logger       *zap.SugaredLogger
}

func ProvideApplication(config *config.Config, hub *client.Hub, q *queue.Queue, store *availability.Store, loggerFactory *infra.LoggerFactory) *Application {
	return &Application{
		config:       config,
		hub:          hub,
		queue:        q,
		availability: store,
		wsUpgrader: &websocket.Upgrader{
			// Browser front-end is served from another origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: loggerFactory.Create("Application").Sugar(),
	}
}

func (a *Application) Run() {
	a.queue.Run()
	a.hub.Run()
}

// Stop waits for the hub and then the queue worker to exit. The hub
// goes first since it drains the queue's updates.
func (a *Application) Stop() {
	a.hub.Stop()
	a.queue.Stop()
}

// Body of every failed response. Detail is either a message or a list
// of field errors.
type errorResponse struct {
	Detail interface{} `json:"detail"`
}

type messageResponse struct {
	Message string `json:"message"`
}

func detail(c echo.Context, status int, message string) error {
	return c.JSON(status, &errorResponse{Detail: message})
}

func fieldErrors(c echo.Context, fields []availability.FieldError) error {
	return c.JSON(http.StatusUnprocessableEntity, &errorResponse{Detail: fields})
}

func (a *Application) queueError(c echo.Context, err error, action string) error {
	switch {
	case errors.Is(err, queue.ErrQueueEmpty), errors.Is(err, queue.ErrPatientNotFound):
		return detail(c, http.StatusNotFound, err.Error())
	case errors.Is(err, queue.ErrAlreadyQueued):
		return detail(c, http.StatusConflict, err.Error())
	case errors.Is(err, queue.ErrInvalidPatient):
		return detail(c, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, queue.ErrStopped):
		return detail(c, http.StatusServiceUnavailable, fmt.Sprintf("Error %v: queue unavailable", action))
	default:
		a.logger.Errorf("%v failed %v", action, err)
		return detail(c, http.StatusInternalServerError, fmt.Sprintf("Error %v: %v", action, err))
	}
}

func (a *Application) requestContext(c echo.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request().Context(), a.config.RequestTimeout())
}

func contactNumber(c echo.Context) (int64, error) {
	return strconv.ParseInt(c.QueryParam("contact_number"), 10, 64)
}

func (a *Application) GetQueue(c echo.Context) error {
	ctx, cancel := a.requestContext(c)
	defer cancel()

	entries, err := a.queue.Status(ctx, queue.DoctorId(c.Param("doctorId")))
	if err != nil {
		return a.queueError(c, err, "retrieving queue status")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"queue": entries})
}

func (a *Application) NextPatient(c echo.Context) error {
	ctx, cancel := a.requestContext(c)
	defer cancel()

	if _, err := a.queue.Next(ctx, queue.DoctorId(c.Param("doctorId"))); err != nil {
		return a.queueError(c, err, "moving to the next patient")
	}
	return c.JSON(http.StatusOK, &messageResponse{Message: "Moved to the next patient"})
}

func (a *Application) JoinQueue(c echo.Context) error {
	patient := &queue.Patient{}
	if err := c.Bind(patient); err != nil {
		return fieldErrors(c, []availability.FieldError{{Loc: []string{"body"}, Msg: "invalid patient body"}})
	}

	ctx, cancel := a.requestContext(c)
	defer cancel()

	entry, err := a.queue.Join(ctx, queue.DoctorId(c.Param("doctorId")), patient)
	if err != nil {
		return a.queueError(c, err, "adding patient to queue")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"message":        fmt.Sprintf("Patient %v added to queue", patient.PatientName),
		"contact_number": patient.ContactNumber,
		"entry":          entry,
	})
}

func (a *Application) CancelAppointment(c echo.Context) error {
	contact, err := contactNumber(c)
	if err != nil {
		return fieldErrors(c, []availability.FieldError{{Loc: []string{"query", "contact_number"}, Msg: "contact_number: value is not a valid integer"}})
	}

	ctx, cancel := a.requestContext(c)
	defer cancel()

	if _, err := a.queue.Cancel(ctx, queue.DoctorId(c.Param("doctorId")), contact); err != nil {
		return a.queueError(c, err, "canceling appointment")
	}
	return c.JSON(http.StatusOK, &messageResponse{Message: fmt.Sprintf("Cancelled appointment for contact number %v", contact)})
}

func (a *Application) GetAppointmentDetails(c echo.Context) error {
	contact, err := contactNumber(c)
	if err != nil {
		return fieldErrors(c, []availability.FieldError{{Loc: []string{"query", "contact_number"}, Msg: "contact_number: value is not a valid integer"}})
	}

	ctx, cancel := a.requestContext(c)
	defer cancel()

	entry, err := a.queue.Find(ctx, queue.DoctorId(c.Param("doctorId")), contact)
	if errors.Is(err, queue.ErrPatientNotFound) {
		return detail(c, http.StatusNotFound, "Appointment not found")
	}
	if err != nil {
		return a.queueError(c, err, "fetching appointment")
	}
	return c.JSON(http.StatusOK, entry)
}

func (a *Application) QueueStats(c echo.Context) error {
	ctx, cancel := a.requestContext(c)
	defer cancel()

	stats, err := a.queue.Stats(ctx, queue.DoctorId(c.Param("doctorId")))
	if err != nil {
		return a.queueError(c, err, "fetching queue stats")
	}
	return c.JSON(http.StatusOK, stats)
}

func (a *Application) SetAvailability(c echo.Context) error {
	doctorId := c.Param("doctorId")

	body := &availability.Availability{}
	if err := c.Bind(body); err != nil {
		return fieldErrors(c, []availability.FieldError{{Loc: []string{"body"}, Msg: "invalid availability body"}})
	}

	if err := availability.Validate(body); err != nil {
		var validationErr *availability.ValidationError
		if errors.As(err, &validationErr) {
			return fieldErrors(c, validationErr.Fields)
		}
		return detail(c, http.StatusUnprocessableEntity, err.Error())
	}

	ctx, cancel := a.requestContext(c)
	defer cancel()

	body.DoctorId = doctorId
	if err := a.availability.Save(ctx, doctorId, body); err != nil {
		return detail(c, http.StatusInternalServerError, fmt.Sprintf("Error setting doctor availability: %v", err))
	}

	avgConsultation := time.Duration(body.AvgConsultationTime) * time.Minute
	if _, err := a.queue.Configure(ctx, queue.DoctorId(doctorId), avgConsultation); err != nil {
		// Stored already, only the queue estimates stay stale.
		a.logger.Warnf("cannot apply availability to queue doctorId[%v] %v", doctorId, err)
	}

	return c.JSON(http.StatusOK, &messageResponse{Message: fmt.Sprintf("Availability set for doctor %v", doctorId)})
}

func (a *Application) GetAvailability(c echo.Context) error {
	doctorId := c.Param("doctorId")

	ctx, cancel := a.requestContext(c)
	defer cancel()

	body, err := a.availability.Get(ctx, doctorId)
	if errors.Is(err, availability.ErrNotFound) {
		return detail(c, http.StatusNotFound, fmt.Sprintf("Availability not found for doctor %v", doctorId))
	}
	if err != nil {
		return detail(c, http.StatusInternalServerError, fmt.Sprintf("Error fetching doctor availability: %v", err))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"doctor_id":    doctorId,
		"availability": body,
	})
}

// TimeSlots answers the booking form, which only needs the stored
// availability itself.
func (a *Application) TimeSlots(c echo.Context) error {
	doctorId := c.Param("doctorId")

	ctx, cancel := a.requestContext(c)
	defer cancel()

	body, err := a.availability.Get(ctx, doctorId)
	if errors.Is(err, availability.ErrNotFound) {
		return detail(c, http.StatusNotFound, fmt.Sprintf("Availability not found for doctor %v", doctorId))
	}
	if err != nil {
		return detail(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, body)
}

func (a *Application) HandleWs(c echo.Context) error {
	doctorId := c.Param("doctorId")
	if doctorId == "" {
		return detail(c, http.StatusBadRequest, "doctor id is required")
	}

	conn, err := a.wsUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	a.hub.Attach(conn, queue.DoctorId(doctorId), c.RealIP())
	return nil
}
