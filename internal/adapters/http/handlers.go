package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Stefan-migo/MCR/internal/app/orch"
	"github.com/Stefan-migo/MCR/internal/domain"
)

type handlers struct {
	orch *orch.Orchestrator
}

type streamView struct {
	ID         domain.StreamID `json:"id"`
	ProducerID string          `json:"producerId"`
	DeviceID   domain.DeviceID `json:"deviceId"`
	Name       string          `json:"name"`
	Width      int             `json:"width"`
	Height     int             `json:"height"`
	FPS        int             `json:"fps"`
	Bitrate    int             `json:"bitrate"`
	CreatedAt  time.Time       `json:"createdAt"`
}

func viewOf(s *domain.Stream) streamView {
	return streamView{
		ID:         s.ID,
		ProducerID: s.ProducerID,
		DeviceID:   s.DeviceID,
		Name:       s.Label(),
		Width:      s.Width,
		Height:     s.Height,
		FPS:        s.FPS,
		Bitrate:    s.Bitrate,
		CreatedAt:  s.CreatedAt,
	}
}

func (h *handlers) capabilities(c *gin.Context) {
	caps, err := h.orch.Capabilities()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, caps)
}

// rtpCapabilitiesAlias serves the wrapped shape the NDI bridge expects.
func (h *handlers) rtpCapabilitiesAlias(c *gin.Context) {
	caps, err := h.orch.Capabilities()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rtpCapabilities": caps})
}

func (h *handlers) streams(c *gin.Context) {
	streams := h.orch.ActiveStreams()
	out := make([]streamView, 0, len(streams))
	for _, s := range streams {
		out = append(out, viewOf(s))
	}
	c.JSON(http.StatusOK, gin.H{"streams": out})
}

func (h *handlers) stream(c *gin.Context) {
	id := domain.StreamID(c.Param("id"))
	s, ok := h.orch.Registry.Stream(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "UnknownStream"})
		return
	}
	c.JSON(http.StatusOK, viewOf(s))
}

type bindingView struct {
	ProducerID  string          `json:"producerId"`
	StreamID    domain.StreamID `json:"streamId"`
	TransportID string          `json:"transportId"`
	ConsumerID  string          `json:"consumerId"`
	IP          string          `json:"ip"`
	Port        uint16          `json:"port"`
	RtcpPort    uint16          `json:"rtcpPort"`
	CreatedAt   time.Time       `json:"createdAt"`
}

func (h *handlers) plainTransports(c *gin.Context) {
	bindings := h.orch.Egress.Bindings()
	out := make([]bindingView, 0, len(bindings))
	for _, b := range bindings {
		out = append(out, bindingView{
			ProducerID:  b.ProducerID,
			StreamID:    b.StreamID,
			TransportID: b.TransportID,
			ConsumerID:  b.ConsumerID,
			IP:          b.IP,
			Port:        b.Port,
			RtcpPort:    b.RtcpPort,
			CreatedAt:   b.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"plainTransports": out})
}
