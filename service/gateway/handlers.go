package gateway

import (
	"context"
	"encoding/json"
	"time"

	"SignGate/tools/decode"
	"SignGate/tools/errs"

	"go.uber.org/zap"
)

const (
	EventRegisterDevice      = "registerDevice"
	EventRegistrationSuccess = "registrationSuccess"
	EventRegistrationError   = "registrationError"
	EventHeartbeat           = "heartbeat"
	EventHeartbeatAck        = "heartbeat:ack"
)

type messageBody struct {
	Message string `json:"message"`
}

type registerDevicePayload struct {
	DeviceID string `json:"deviceId"`
	Type     string `json:"type"`
}

type registerDeviceHandler struct{}

func (registerDeviceHandler) Event() string { return EventRegisterDevice }

func (registerDeviceHandler) Handle(ctx context.Context, g *Gateway, c *Conn, data json.RawMessage) error {
	p, err := decodeRegister(data)
	if err != nil || p.DeviceID == "" {
		c.Emit(EventRegistrationError, messageBody{Message: "deviceId is required"})
		return errs.ErrInvalidEvent.WrapMsg("registerDevice without deviceId", "conn_id", c.ID)
	}
	if g.opts.RegistrationRequiresAuth && !c.Authenticated() {
		c.Emit(EventRegistrationError, messageBody{Message: "authentication required"})
		return errs.ErrInvalidEvent.WrapMsg("registerDevice on anonymous connection", "conn_id", c.ID)
	}

	deviceType := DeviceDisplay
	if p.Type != "" {
		deviceType = ParseDeviceType(p.Type)
	}
	room, emptied, err := g.registry.JoinDevice(c.ID, p.DeviceID, deviceType)
	if err != nil {
		return err
	}
	c.authenticate(nil)

	g.syncRooms(ctx, append(emptied, room)...)
	g.markOnline(ctx, c)

	g.log.Info("device registered",
		zap.String("conn_id", c.ID),
		zap.String("device_id", p.DeviceID),
		zap.String("device_type", string(deviceType)),
		zap.String("room", room))
	c.Emit(EventRegistrationSuccess, messageBody{Message: "Device registered successfully"})
	return nil
}

func decodeRegister(data json.RawMessage) (*registerDevicePayload, error) {
	if len(data) == 0 {
		return nil, errs.ErrInvalidEvent.Wrap()
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return decode.Decode[registerDevicePayload](v)
}

type heartbeatHandler struct{}

func (heartbeatHandler) Event() string { return EventHeartbeat }

func (heartbeatHandler) Handle(ctx context.Context, g *Gateway, c *Conn, _ json.RawMessage) error {
	g.markOnline(ctx, c)
	c.Emit(EventHeartbeatAck, map[string]int64{"timestamp": time.Now().UnixMilli()})
	return nil
}
