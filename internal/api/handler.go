package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"ticketing-service/internal/models"
	"ticketing-service/internal/service"
	"ticketing-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"
)

// Handler exposes the HTTP surface over the services.
type Handler struct {
	ledger       *service.Ledger
	reservations *service.Reservations
	tickets      *service.Tickets
	orders       *service.Orders
	jwtSecret    string
	logger       *zap.Logger
}

// NewHandler creates the handler.
func NewHandler(ledger *service.Ledger, reservations *service.Reservations,
	tickets *service.Tickets, orders *service.Orders, jwtSecret string) *Handler {
	return &Handler{
		ledger:       ledger,
		reservations: reservations,
		tickets:      tickets,
		orders:       orders,
		jwtSecret:    jwtSecret,
		logger:       util.GetLogger(),
	}
}

// Router assembles the gin engine.
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), metricsMiddleware())

	r.GET("/health", h.health)
	r.GET("/ready", h.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	v1.GET("/payment-methods", h.paymentMethods)
	v1.GET("/events/:id/units", h.listUnits)
	v1.POST("/units", h.createUnit)
	v1.PATCH("/units/:id/price", h.repriceUnit)
	v1.DELETE("/units/:id", h.deactivateUnit)
	v1.POST("/gate/validate", h.validateTicket)

	auth := v1.Group("")
	auth.Use(authMiddleware(h.jwtSecret))
	{
		auth.POST("/holds", h.createHolds)
		auth.POST("/orders", h.createOrder)
		auth.GET("/orders/:id", h.getOrder)
		auth.GET("/orders/:id/tickets", h.orderTickets)
		auth.POST("/orders/:id/payment", h.initiatePayment)
		auth.POST("/orders/:id/payment/confirm", h.confirmPayment)
		auth.POST("/orders/:id/deliver", h.deliverTickets)
		auth.POST("/orders/:id/refund", h.refundOrder)
		auth.POST("/tickets/:id/transfer", h.transferTicket)
		auth.GET("/tickets/:id/qr", h.ticketQR)
	}

	return r
}

func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		util.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		util.HTTPRequestDuration.WithLabelValues(c.Request.Method, path, status).
			Observe(time.Since(start).Seconds())
	}
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// errorStatus maps domain errors onto HTTP statuses.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, models.ErrUnitNotFound),
		errors.Is(err, models.ErrHoldNotFound),
		errors.Is(err, models.ErrTicketNotFound),
		errors.Is(err, models.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrSeatUnavailable),
		errors.Is(err, models.ErrHoldExpired),
		errors.Is(err, models.ErrAlreadyUsed),
		errors.Is(err, models.ErrOrderNotPending),
		errors.Is(err, models.ErrNotTransferable),
		errors.Is(err, models.ErrNotRefundEligible):
		return http.StatusConflict
	case errors.Is(err, models.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, models.ErrRefundExceedsAvailable),
		errors.Is(err, models.ErrUnknownPaymentMethod),
		errors.Is(err, models.ErrTicketNotValid):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrPaymentDeclined):
		return http.StatusPaymentRequired
	case errors.Is(err, models.ErrProviderUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func pathID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return uuid.Nil, false
	}
	return id, true
}

type createUnitRequest struct {
	EventID    uuid.UUID `json:"event_id" binding:"required"`
	EventDate  time.Time `json:"event_date" binding:"required"`
	TicketType string    `json:"ticket_type"`
	Section    string    `json:"section"`
	Row        string    `json:"row"`
	Seat       string    `json:"seat"`
	Zone       string    `json:"zone"`
	Capacity   int       `json:"capacity" binding:"required,min=1"`
	Price      int64     `json:"price" binding:"required,min=0"`
	Currency   string    `json:"currency" binding:"required"`
}

func (h *Handler) createUnit(c *gin.Context) {
	var req createUnitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	unit := &models.InventoryUnit{
		EventID:    req.EventID,
		EventDate:  req.EventDate,
		TicketType: req.TicketType,
		Section:    req.Section,
		Row:        req.Row,
		Seat:       req.Seat,
		Zone:       req.Zone,
		Capacity:   req.Capacity,
		Price:      req.Price,
		Currency:   req.Currency,
		Active:     true,
	}
	if err := h.ledger.CreateUnit(c.Request.Context(), unit); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, unit)
}

func (h *Handler) listUnits(c *gin.Context) {
	eventID, ok := pathID(c)
	if !ok {
		return
	}
	units, err := h.ledger.ListUnitsByEvent(c.Request.Context(), eventID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"units": units})
}

type repriceUnitRequest struct {
	Price int64 `json:"price" binding:"required,min=0"`
}

func (h *Handler) repriceUnit(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req repriceUnitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.ledger.UpdatePrice(c.Request.Context(), id, req.Price); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "repriced"})
}

func (h *Handler) deactivateUnit(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.ledger.DeactivateUnit(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deactivated"})
}

type createHoldsRequest struct {
	Items []service.HoldRequest `json:"items" binding:"required,min=1"`
}

func (h *Handler) createHolds(c *gin.Context) {
	var req createHoldsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	holds, err := h.reservations.HoldSeats(c.Request.Context(), buyerID(c), req.Items)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"holds":      holds,
		"expires_at": holds[0].ExpiresAt,
	})
}

type createOrderRequest struct {
	HoldIDs []uuid.UUID `json:"hold_ids" binding:"required,min=1"`
}

func (h *Handler) createOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	order, tickets, err := h.orders.CreateOrder(c.Request.Context(), buyerID(c), req.HoldIDs)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"order": order, "tickets": tickets})
}

func (h *Handler) getOrder(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	order, err := h.orders.Get(c.Request.Context(), id, buyerID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) orderTickets(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if _, err := h.orders.Get(c.Request.Context(), id, buyerID(c)); err != nil {
		h.fail(c, err)
		return
	}
	tickets, err := h.tickets.ListByOrder(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tickets": tickets})
}

type initiatePaymentRequest struct {
	Method string `json:"method" binding:"required"`
}

func (h *Handler) initiatePayment(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req initiatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.orders.InitiatePayment(c.Request.Context(), id, buyerID(c), req.Method)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"payment_id":   res.PaymentID,
		"status":       res.Status,
		"approval_url": res.ApprovalURL,
	})
}

func (h *Handler) confirmPayment(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if _, err := h.orders.Get(c.Request.Context(), id, buyerID(c)); err != nil {
		h.fail(c, err)
		return
	}
	order, err := h.orders.ConfirmPayment(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) deliverTickets(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if _, err := h.orders.Get(c.Request.Context(), id, buyerID(c)); err != nil {
		h.fail(c, err)
		return
	}
	tickets, err := h.tickets.MarkDelivered(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tickets": tickets})
}

type refundRequest struct {
	Amount int64  `json:"amount" binding:"required,min=1"`
	Reason string `json:"reason"`
}

func (h *Handler) refundOrder(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	actor := buyerID(c)
	if _, err := h.orders.Get(c.Request.Context(), id, actor); err != nil {
		h.fail(c, err)
		return
	}
	order, err := h.orders.Refund(c.Request.Context(), id, actor, req.Amount, req.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

type validateTicketRequest struct {
	TicketNumber   string `json:"ticket_number" binding:"required"`
	ValidationCode string `json:"validation_code" binding:"required"`
}

func (h *Handler) validateTicket(c *gin.Context) {
	var req validateTicketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ticket, err := h.tickets.Validate(c.Request.Context(), req.TicketNumber, req.ValidationCode)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ticket_number": ticket.TicketNumber,
		"status":        ticket.Status,
		"seat":          ticket.SeatLabel(),
	})
}

type transferTicketRequest struct {
	ToBuyerID uuid.UUID `json:"to_buyer_id" binding:"required"`
}

func (h *Handler) transferTicket(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req transferTicketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ticket, err := h.tickets.Transfer(c.Request.Context(), id, buyerID(c), req.ToBuyerID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ticket)
}

// ticketQR renders the ticket's entry code as a PNG. The payload is
// generated once and reused on every render.
func (h *Handler) ticketQR(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	ticket, err := h.tickets.EnsureQRPayload(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	if ticket.BuyerID != buyerID(c) {
		h.fail(c, models.ErrUnauthorized)
		return
	}

	png, err := qrcode.Encode(ticket.QRCode, qrcode.Medium, 256)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

func (h *Handler) paymentMethods(c *gin.Context) {
	region := c.DefaultQuery("region", "MX")
	c.JSON(http.StatusOK, gin.H{"methods": h.orders.AvailableMethods(region)})
}
