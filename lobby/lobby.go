// Package lobby handles out-of-band host discovery: the host serves its UDP
// session endpoint over a PIN-guarded WebSocket, joiners fetch it before
// calling session.Join. The session itself never touches this package.
package lobby

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shoryu-net/shoryu/protocol"
)

// Message is the JSON structure exchanged over the WebSocket.
type Message struct {
	Type string `json:"type"`           // "host-info"
	Host string `json:"host,omitempty"` // UDP endpoint, addr:port
}

const msgTypeHostInfo = "host-info"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the host-side announcement server.
type Server struct {
	pin      string
	hostEp   protocol.Endpoint
	listener net.Listener
}

// NewServer creates a lobby server announcing hostEp to joiners that present
// pin.
func NewServer(pin string, hostEp protocol.Endpoint) *Server {
	return &Server{pin: pin, hostEp: hostEp}
}

// Start begins listening on addr (":0" picks a port). Returns the assigned
// port number.
func (s *Server) Start(addr string) (int, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("lobby: listen: %w", err)
	}
	s.listener = listener
	port := listener.Addr().(*net.TCPAddr).Port

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)

	go func() {
		_ = http.Serve(listener, mux)
	}()

	return port, nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("pin") != s.pin {
		http.Error(w, "Invalid PIN", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	conn.WriteJSON(Message{Type: msgTypeHostInfo, Host: s.hostEp.String()})
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// Close shuts down the listener.
func (s *Server) Close() {
	if s.listener != nil {
		s.listener.Close()
	}
}

// Fetch dials the lobby URL (e.g. ws://1.2.3.4:7000/ws?pin=1234) and returns
// the announced host endpoint.
func Fetch(ctx context.Context, url string) (protocol.Endpoint, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return protocol.Endpoint{}, fmt.Errorf("lobby: connect: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	} else {
		conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	}

	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		return protocol.Endpoint{}, fmt.Errorf("lobby: read: %w", err)
	}
	if msg.Type != msgTypeHostInfo {
		return protocol.Endpoint{}, fmt.Errorf("lobby: unexpected message type %q", msg.Type)
	}
	ep, err := netip.ParseAddrPort(msg.Host)
	if err != nil {
		return protocol.Endpoint{}, fmt.Errorf("lobby: bad host endpoint %q: %w", msg.Host, err)
	}
	return ep, nil
}

// GeneratePIN returns a random numeric PIN of the specified length.
func GeneratePIN(length int) string {
	digits := make([]byte, length)
	for i := range digits {
		n, _ := rand.Int(rand.Reader, big.NewInt(10))
		digits[i] = byte('0') + byte(n.Int64())
	}
	return string(digits)
}
