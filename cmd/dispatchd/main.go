// dispatchd is a minimal in-memory dispatch server for local development:
// it authenticates captain sockets, pushes demo offers, and echoes status
// updates. It is not the production dispatch service.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"captain-core/internal/common/log"
	"captain-core/internal/contracts"
	"captain-core/internal/domain/geo"
)

const (
	authWindow   = 5 * time.Second
	writeTimeout = 5 * time.Second
	offerPeriod  = 20 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

type server struct {
	logger *log.Logger

	mu       sync.Mutex
	captains map[string]*captainConn
	orderSeq int
}

type captainConn struct {
	id   string
	conn *websocket.Conn

	writeMu sync.Mutex
}

func (c *captainConn) write(frame contracts.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(frame)
}

func (c *captainConn) send(msgType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.write(contracts.Frame{Type: msgType, Data: data})
}

func main() {
	addr := flag.String("addr", ":8090", "listen address")
	flag.Parse()

	logger := log.New("dispatchd")
	srv := &server{logger: logger, captains: make(map[string]*captainConn)}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/captain", srv.connectCaptain)

	httpServer := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go srv.offerLoop(ctx)

	go func() {
		logger.Info(ctx, "dispatchd_started", "Dev dispatch server listening", map[string]any{"addr": *addr})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(ctx, "dispatchd_listen_failed", "Server failed", err, nil)
			cancel()
		}
	}()

	<-ctx.Done()
	shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shCancel()
	if err := httpServer.Shutdown(shCtx); err != nil {
		logger.Error(context.Background(), "dispatchd_shutdown_failed", "Shutdown failed", err, nil)
		os.Exit(1)
	}
	logger.Info(context.Background(), "dispatchd_stopped", "Dev dispatch server stopped", nil)
}

// connectCaptain upgrades the socket and runs the first-frame auth handshake
// before any business traffic is accepted.
func (s *server) connectCaptain(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error(ctx, "ws_upgrade_failed", "Failed to upgrade to WebSocket", err, nil)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(1 << 20)

	_ = conn.SetReadDeadline(time.Now().Add(authWindow))
	_, first, err := conn.ReadMessage()
	if err != nil {
		s.logger.Warn(ctx, "ws_auth_timeout", "Client disconnected before authenticating", nil)
		return
	}

	var frame contracts.Frame
	var auth contracts.Authenticate
	if json.Unmarshal(first, &frame) != nil || frame.Type != contracts.TypeAuthenticate ||
		json.Unmarshal(frame.Data, &auth) != nil {
		s.rejectAuth(conn, "first frame must be authenticate")
		return
	}
	// Dev policy: any non-empty token passes, "expired" simulates rejection.
	if auth.CaptainID == "" || auth.Token == "" || auth.Token == "expired" {
		s.rejectAuth(conn, "invalid or expired token")
		return
	}

	captain := &captainConn{id: auth.CaptainID, conn: conn}
	s.mu.Lock()
	s.captains[auth.CaptainID] = captain
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.captains[auth.CaptainID] == captain {
			delete(s.captains, auth.CaptainID)
		}
		s.mu.Unlock()
	}()

	if err := captain.send(contracts.TypeAuthenticated, contracts.AuthResult{CaptainID: auth.CaptainID}); err != nil {
		return
	}
	_ = captain.send(contracts.TypeWelcome, map[string]any{
		"message": "connected to dev dispatch",
		"sent_at": time.Now().UTC(),
	})
	s.logger.Info(ctx, "captain_connected", "Captain authenticated", map[string]any{
		"captain_id": auth.CaptainID,
	})

	s.readLoop(captain)
}

func (s *server) rejectAuth(conn *websocket.Conn, reason string) {
	data, _ := json.Marshal(contracts.AuthResult{Reason: reason})
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = conn.WriteJSON(contracts.Frame{Type: contracts.TypeAuthFailed, Data: data})
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(4401, "auth failed"),
		time.Now().Add(writeTimeout),
	)
}

func (s *server) readLoop(captain *captainConn) {
	ctx := log.WithCaptainID(context.Background(), captain.id)
	for {
		_ = captain.conn.SetReadDeadline(time.Now().Add(2 * time.Minute))
		_, payload, err := captain.conn.ReadMessage()
		if err != nil {
			s.logger.Info(ctx, "captain_disconnected", "Captain socket closed", map[string]any{
				"error": err.Error(),
			})
			return
		}

		frame, err := contracts.DecodeFrame(payload)
		if err != nil {
			s.logger.Warn(ctx, "ws_bad_frame", "Discarding malformed frame", nil)
			continue
		}

		switch frame.Type {
		case contracts.TypePing:
			_ = captain.send("pong", map[string]any{"sent_at": time.Now().UTC()})
		case contracts.TypeDriverLocation:
			var loc contracts.LocationUpdate
			if json.Unmarshal(frame.Data, &loc) == nil {
				s.logger.Debug(ctx, "location_received", "Captain location", map[string]any{
					"lat": loc.Lat, "lng": loc.Lng,
				})
			}
		case contracts.TypeOrderStatusUpdate:
			// Echo the transition back as the server-confirmed push.
			var upd contracts.OrderStatusUpdate
			if json.Unmarshal(frame.Data, &upd) == nil {
				_ = captain.send(contracts.TypeOrderStatusUpdate, contracts.OrderStatusPush{
					OrderID: upd.OrderID,
					Status:  upd.Status,
				})
				s.logger.Info(ctx, "order_status_received", "Order status update", map[string]any{
					"order_id": upd.OrderID, "status": upd.Status,
				})
			}
		case contracts.TypeCaptainOnline, contracts.TypeCaptainOffline, contracts.TypeCaptainStatusUpdate:
			s.logger.Info(ctx, "captain_status_received", "Captain availability frame", map[string]any{
				"type": frame.Type,
			})
		default:
			s.logger.Debug(ctx, "ws_unhandled_frame", "Ignoring frame", map[string]any{
				"type": frame.Type,
			})
		}
	}
}

// offerLoop pushes a demo offer to every connected captain on a fixed period.
func (s *server) offerLoop(ctx context.Context) {
	ticker := time.NewTicker(offerPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		s.orderSeq++
		seq := s.orderSeq
		conns := make([]*captainConn, 0, len(s.captains))
		for _, c := range s.captains {
			conns = append(conns, c)
		}
		s.mu.Unlock()

		if len(conns) == 0 {
			continue
		}
		offer := contracts.OrderPush{
			ID:           uuid.NewString(),
			Number:       fmt.Sprintf("DEV-%04d", seq),
			CustomerName: "Dev Customer",
			Address:      "Abay Ave 10",
			Total:        900 + float64(seq%5)*350,
			Priority:     "normal",
			Status:       "pending",
			Pickup:       geo.Point{Lat: 43.238949, Lng: 76.889709},
			Dropoff:      geo.Point{Lat: 43.25654, Lng: 76.92848},
		}
		for _, c := range conns {
			if err := c.send(contracts.TypeNewOrder, offer); err != nil {
				s.logger.Warn(context.Background(), "offer_push_failed", "Failed to push demo offer", map[string]any{
					"captain_id": c.id,
				})
			}
		}
	}
}
