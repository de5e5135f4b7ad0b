package cli

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/spf13/cobra"

	"github.com/letsmeet-app/letsmeet/internal/call"
	"github.com/letsmeet-app/letsmeet/internal/config"
	"github.com/letsmeet-app/letsmeet/internal/media"
	"github.com/letsmeet-app/letsmeet/internal/signalclient"
)

var (
	flagServer   string
	flagSTUN     string
	flagTURN     string
	flagTURNUser string
	flagTURNPass string
	flagRelay    bool
)

var callCmd = &cobra.Command{
	Use:     "call [room-id]",
	Aliases: []string{"c"},
	Short:   "Start or join a video call",
	Long: `Start a new call or join an existing one by room ID.

With no room ID a new room is created and its ID printed for the other
participant. During the call type:
  m  toggle microphone
  v  toggle camera
  q  hang up

Examples:
  letsmeet call
  letsmeet call kitchen-sync
  letsmeet call --server ws://meet.example.com/ws kitchen-sync`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID := ""
		if len(args) == 1 {
			roomID = args[0]
		}
		return runCall(roomID)
	},
}

func runCall(roomID string) error {
	cfg, err := config.Load(config.Options{
		ServerURL:  flagServer,
		STUNServer: flagSTUN,
		TURNServer: flagTURN,
		TURNUser:   flagTURNUser,
		TURNPass:   flagTURNPass,
		ForceRelay: flagRelay,
	})
	if err != nil {
		return err
	}

	created := roomID == ""
	if created {
		roomID = newRoomID()
	}
	userID := uuid.NewString()

	client := signalclient.NewClient(cfg.ServerURL)
	if err := client.Connect(); err != nil {
		return call.NewError("connect to server", err)
	}
	defer client.Close()

	handler := signalclient.NewHandler(client.Incoming())
	go handler.Start()

	engine, err := media.NewEngine()
	if err != nil {
		return call.NewError("init media engine", err)
	}

	session := call.NewSession(roomID, userID, client, handler, engineAdapter{engine}, rtcConfig(cfg))
	if err := session.Start(); err != nil {
		return err
	}
	defer session.Hangup()

	if created {
		fmt.Printf("Room created: %s\nShare this ID with the other participant.\n", roomID)
	} else {
		fmt.Printf("Joining room: %s\n", roomID)
	}
	fmt.Println("Controls: [m] mute  [v] camera  [q] hang up")

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	go func() {
		<-interrupt
		session.Hangup()
	}()

	go controlLoop(session)

	err = session.Run()
	switch {
	case err == nil:
		fmt.Println("Call ended.")
		return nil
	case errors.Is(err, call.ErrRoomFull):
		return fmt.Errorf("room %s is full: a room can hold at most 2 participants", roomID)
	case errors.Is(err, call.ErrPeerDisconnected):
		fmt.Println("The other participant left. Call ended.")
		return nil
	default:
		return err
	}
}

// controlLoop reads single-letter commands from stdin for the session's
// duration.
func controlLoop(session *call.Session) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		switch strings.TrimSpace(scanner.Text()) {
		case "m":
			muted, err := session.ToggleMicrophone()
			if err != nil {
				return
			}
			if muted {
				fmt.Println("Microphone muted.")
			} else {
				fmt.Println("Microphone on.")
			}
		case "v":
			off, err := session.ToggleCamera()
			if err != nil {
				if errors.Is(err, call.ErrSessionEnded) {
					return
				}
				fmt.Println("Camera error:", err)
				continue
			}
			if off {
				fmt.Println("Camera off.")
			} else {
				fmt.Println("Camera on.")
			}
		case "q":
			session.Hangup()
			return
		}
	}
}

// rtcConfig assembles the ICE configuration from STUN/TURN settings.
func rtcConfig(cfg *config.Config) webrtc.Configuration {
	iceServers := []webrtc.ICEServer{{URLs: cfg.GetSTUNServers()}}

	if turnServers := cfg.GetTURNServers(); turnServers != nil {
		username, password := cfg.GetTURNCredentials()
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       turnServers,
			Username:   username,
			Credential: password,
		})
	}

	policy := webrtc.ICETransportPolicyAll
	if cfg.ForceRelay {
		policy = webrtc.ICETransportPolicyRelay
	}

	return webrtc.Configuration{
		ICEServers:         iceServers,
		ICETransportPolicy: policy,
	}
}

// newRoomID derives a short opaque room key. Rooms are created lazily on
// the server, so generating the key here is enough.
func newRoomID() string {
	return uuid.NewString()[:8]
}

// engineAdapter bridges media.Engine to the call package's Engine
// interface (GetUserMedia narrows the concrete capture to a MediaSource).
type engineAdapter struct {
	*media.Engine
}

func (e engineAdapter) GetUserMedia() (call.MediaSource, error) {
	capture, err := e.Engine.GetUserMedia()
	if err != nil {
		return nil, err
	}
	return capture, nil
}

func init() {
	rootCmd.AddCommand(callCmd)

	callCmd.Flags().StringVarP(&flagServer, "server", "s", "", "Signaling server websocket URL")
	callCmd.Flags().StringVar(&flagSTUN, "stun", "", "Custom STUN server")
	callCmd.Flags().StringVar(&flagTURN, "turn", "", "Custom TURN server")
	callCmd.Flags().StringVar(&flagTURNUser, "turn-user", "", "TURN username")
	callCmd.Flags().StringVar(&flagTURNPass, "turn-pass", "", "TURN password")
	callCmd.Flags().BoolVar(&flagRelay, "relay", false, "Force TURN relay for all media")
}
