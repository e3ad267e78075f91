// gridlike-worker is a reference worker: it connects to a server, registers,
// reports ready, and processes each payload it receives by piping it through
// a shell command (or echoing it back when no command is given).
package main

import (
	"bytes"
	"context"
	"flag"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mattj23/gridlike/internal/protocol"
)

func main() {
	var (
		serverURL = flag.String("server", "ws://localhost:8080/api/worker", "server worker endpoint")
		name      = flag.String("name", "gridlike-worker", "worker name reported at registration")
		token     = flag.String("token", "", "registration token")
		command   = flag.String("exec", "", "shell command piped payload on stdin, result read from stdout; echoes when empty")
	)
	flag.Parse()

	log, _ := zap.NewProduction()
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, *serverURL, nil)
	if err != nil {
		log.Fatal("connecting to server", zap.String("url", *serverURL), zap.Error(err))
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	if err := sendMessage(conn, protocol.NewRegister(*name, *token)); err != nil {
		log.Fatal("sending registration", zap.Error(err))
	}
	if err := sendMessage(conn, protocol.NewStatus(protocol.StatusReady)); err != nil {
		log.Fatal("reporting ready", zap.Error(err))
	}
	log.Info("registered with server", zap.String("name", *name))

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			log.Info("connection closed", zap.Error(err))
			return
		}

		switch msgType {
		case websocket.TextMessage:
			msg, err := protocol.Decode(data)
			if err != nil {
				log.Warn("undecodable control frame", zap.Error(err))
				continue
			}
			if msg.MessageCode() == protocol.CodeStatusRequest {
				if err := sendMessage(conn, protocol.NewStatus(protocol.StatusReady)); err != nil {
					log.Warn("status reply failed", zap.Error(err))
				}
			}
		case websocket.BinaryMessage:
			log.Info("processing job", zap.Int("payload_bytes", len(data)))
			result, err := process(ctx, *command, data)
			if err != nil {
				log.Error("job processing failed", zap.Error(err))
				info := err.Error()
				failed := &protocol.JobFailed{
					Base: protocol.Base{Code: protocol.CodeJobFailed},
					Info: &info,
				}
				if err := sendMessage(conn, failed); err != nil {
					log.Warn("failure report failed", zap.Error(err))
				}
				continue
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, result); err != nil {
				log.Error("result send failed", zap.Error(err))
				return
			}
			log.Info("job complete", zap.Int("result_bytes", len(result)))
		}
	}
}

func process(ctx context.Context, command string, payload []byte) ([]byte, error) {
	if command == "" {
		return payload, nil
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Stdin = bytes.NewReader(payload)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func sendMessage(conn *websocket.Conn, m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}
