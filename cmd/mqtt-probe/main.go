// mqtt-probe checks that the configured broker accepts the device credentials
// and that the device topics can be published to.
package main

import (
	"context"
	"time"

	arg "github.com/alexflint/go-arg"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/nvr-ai/intrusion-warning/config"
	"github.com/nvr-ai/intrusion-warning/telemetry"
)

var version = "<not set>"

type Args struct {
	ConfigFile string        `arg:"-c,--config" help:"path to configuration file"`
	Token      string        `arg:"-t,--token" help:"override the configured device token"`
	Wait       time.Duration `arg:"-w,--wait" help:"how long to stay connected"`
	State      int           `arg:"-s,--state" help:"alarm state to publish as a test"`
}

func (Args) Version() string {
	return version
}

func procArgs() Args {
	args := Args{Wait: 5 * time.Second, State: -1}
	arg.MustParse(&args)
	return args
}

func main() {
	if err := runMain(); err != nil {
		log.Fatal(err)
	}
}

func runMain() error {
	args := procArgs()
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	conf, err := config.Load(args.ConfigFile)
	if err != nil {
		return err
	}
	tconf := conf.Telemetry
	if args.Token != "" {
		tconf.Token = args.Token
	}
	if tconf.Token == "" || tconf.DeviceID == "" {
		return errors.New("telemetry token and device-id are required")
	}

	log.WithFields(log.Fields{
		"broker":   tconf.Broker,
		"port":     tconf.Port,
		"token":    config.Mask(tconf.Token),
		"deviceID": tconf.DeviceID,
	}).Info("testing broker connection")

	client := telemetry.New(tconf)
	if err := client.Connect(context.Background()); err != nil {
		log.Error("connection failed, check the token, the device registration and that username and password are both the token")
		return err
	}
	defer client.Close()

	topics := client.Topics()
	log.WithField("topic", topics.Online).Info("connected, online status published")

	ctx, cancel := context.WithTimeout(context.Background(), args.Wait)
	defer cancel()

	if args.State >= 0 {
		if err := client.PublishState(ctx, args.State); err != nil {
			return errors.Wrap(err, "publish test state")
		}
		log.WithFields(log.Fields{"topic": topics.Data, "state": args.State}).Info("published test state")
	}
	if err := client.PublishCount(ctx, 0); err != nil {
		return errors.Wrap(err, "publish test count")
	}
	log.WithField("topic", topics.Data).Info("published test count")

	<-ctx.Done()
	log.WithField("connected", client.Connected()).Info("probe finished")
	return nil
}
