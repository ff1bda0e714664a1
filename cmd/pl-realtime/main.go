package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	realtime "github.com/pupil-labs/pl-realtime-api"
	"github.com/pupil-labs/pl-realtime-api/client"
)

// pl-realtime: discover the first device on the local network, stream
// gaze and print recognized eye events until interrupted.
func main() {
	log := logrus.StandardLogger()
	if os.Getenv("PL_DEBUG") != "" {
		log.SetLevel(logrus.DebugLevel)
	}

	discoverTimeout := 10 * time.Second
	if v := os.Getenv("PL_DISCOVER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			discoverTimeout = d
		}
	}

	opts := realtime.DefaultOptions()
	opts.Logger = log

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := client.DiscoverOne(ctx, discoverTimeout, opts)
	if err != nil {
		log.WithError(err).Fatal("no device found")
	}
	defer c.Close()

	status := c.Status()
	log.WithFields(logrus.Fields{
		"phone":   status.Phone.DeviceName,
		"battery": status.Phone.BatteryLevel,
		"sensors": len(status.Sensors),
	}).Info("connected")

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		cancel()
		c.Close()
	}()

	for ctx.Err() == nil {
		gaze, err := c.ReceiveGaze(2 * time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("no gaze sample")
			continue
		}
		log.WithFields(logrus.Fields{
			"x":    gaze.X,
			"y":    gaze.Y,
			"worn": gaze.Worn,
			"at":   gaze.CapturedAt().Format(time.RFC3339Nano),
		}).Info("gaze")
	}
}
