package tunnel

import (
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/session-manager-plugin/src/datachannel"
	pluginlog "github.com/aws/session-manager-plugin/src/log"
	"github.com/aws/session-manager-plugin/src/sessionmanagerplugin/session"
	_ "github.com/aws/session-manager-plugin/src/sessionmanagerplugin/session/portsession"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const pluginBinary = "session-manager-plugin"

// pluginRequest carries a started SSM session to the forwarding client.
type pluginRequest struct {
	Region  string
	Profile string
	Input   *ssm.StartSessionInput
	Output  *ssm.StartSessionOutput
}

func ssmEndpoint(region string) string {
	return fmt.Sprintf("https://ssm.%s.amazonaws.com", region)
}

// startPlugin hands the session to the session-manager-plugin binary, which
// speaks the SSM data channel protocol and binds the local port. When the
// binary is not installed, the plugin's library is driven in-process instead.
func (m *Manager) startPlugin(req pluginRequest) (wait, kill func() error, err error) {
	bin, lookErr := m.lookPath(pluginBinary)
	if lookErr != nil {
		m.log.Debug("session-manager-plugin binary not found, using embedded client")
		return m.startEmbedded(req)
	}

	payload, err := json.Marshal(map[string]string{
		"SessionId":  aws.ToString(req.Output.SessionId),
		"StreamUrl":  aws.ToString(req.Output.StreamUrl),
		"TokenValue": aws.ToString(req.Output.TokenValue),
	})
	if err != nil {
		return nil, nil, err
	}
	params, err := json.Marshal(req.Input)
	if err != nil {
		return nil, nil, err
	}

	// argv layout the plugin binary expects, same as the AWS CLI passes it
	cmd := exec.Command(bin,
		string(payload), req.Region, "StartSession", req.Profile, string(params), ssmEndpoint(req.Region))
	if err = cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("start %s: %w", pluginBinary, err)
	}

	m.log.Debug("forwarding process started",
		zap.String("session", aws.ToString(req.Output.SessionId)),
		zap.Int("pid", cmd.Process.Pid))

	return cmd.Wait, func() error { return cmd.Process.Kill() }, nil
}

// startEmbedded runs the forwarding session on the plugin's own library
// inside this process.
func (m *Manager) startEmbedded(req pluginRequest) (wait, kill func() error, err error) {
	sess := new(session.Session)
	sess.SessionId = aws.ToString(req.Output.SessionId)
	sess.StreamUrl = aws.ToString(req.Output.StreamUrl)
	sess.TokenValue = aws.ToString(req.Output.TokenValue)
	sess.Endpoint = ssmEndpoint(req.Region)
	sess.ClientId = uuid.NewString()
	sess.TargetId = aws.ToString(req.Input.Target)
	sess.DataChannel = &datachannel.DataChannel{}

	logger := pluginlog.Logger(false, sess.ClientId)
	done := make(chan error, 1)
	go func() { done <- sess.Execute(logger) }()

	wait = func() error { return <-done }
	kill = func() error { return sess.DataChannel.Close(logger) }
	return wait, kill, nil
}
