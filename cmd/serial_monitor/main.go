package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/oklog/run"

	"github.com/dancavallaro/serialmon/awso"
	"github.com/dancavallaro/serialmon/pkg/forward"
	"github.com/dancavallaro/serialmon/pkg/metrics"
	"github.com/dancavallaro/serialmon/pkg/monitor"
)

const Required = "<REQUIRED>"

const deviceEnv = "SERIAL_MONITOR_DEVICE"

var (
	device       = flag.String("device", Required, "serial device to read from (or set "+deviceEnv+")")
	baud         = flag.Int("baud", 115200, "baudrate to use")
	readTimeout  = flag.Duration("readTimeout", time.Second, "max time a single read may wait for data (must be positive)")
	pollInterval = flag.Duration("pollInterval", 10*time.Millisecond, "sleep between input availability checks")
	listPorts    = flag.Bool("list", false, "list available serial ports and exit")

	mqttAddress  = flag.String("mqttAddress", "", "address:port of MQTT broker to forward lines to (empty disables forwarding)")
	mqttTopic    = flag.String("mqttTopic", "device/serialmon/console", "MQTT topic to publish forwarded lines on")
	mqttUsername = flag.String("mqttUsername", "<none>", "MQTT username")
	mqttPassword = flag.String("mqttPassword", "<none>", "MQTT password")

	region          = flag.String("region", "us-east-1", "Cloudwatch region to use")
	metricNamespace = flag.String("metricNamespace", "", "metric namespace to publish line counts in (empty disables metrics)")
	metricName      = flag.String("metricName", "SerialLines", "metric name to use for received line counts")
	metricDimension = flag.String("metricDimension", "Device", "dimension name to use for identifying the device")
	metricInterval  = flag.Duration("metricInterval", time.Minute, "how often to publish line counts")
)

func main() {
	flag.Parse()

	log.SetFlags(0)
	log.SetPrefix("[serial_monitor] ")

	if err := runMonitor(); err != nil {
		log.Printf("Error: %v", err)
		os.Exit(1)
	}
}

func runMonitor() error {
	if *listPorts {
		return printPorts()
	}

	if *device == Required {
		if env := os.Getenv(deviceEnv); env != "" {
			*device = env
		} else {
			return errors.New("must specify path to device!")
		}
	}

	port, err := monitor.OpenPort(*device, *baud, *readTimeout)
	if err != nil {
		return err
	}
	defer port.Close()

	handlers := []monitor.Handler{&monitor.ConsoleWriter{Out: os.Stdout}}

	if *mqttAddress != "" {
		forwarder, err := forward.NewMQTTForwarder(forward.MQTTConfig{
			BrokerAddress: *mqttAddress,
			Topic:         *mqttTopic,
			Username:      *mqttUsername,
			Password:      *mqttPassword,
			Logger:        log.New(os.Stdout, "[mqtt] ", 0),
		})
		if err != nil {
			return fmt.Errorf("connecting to MQTT broker: %w", err)
		}
		defer forwarder.Close()
		handlers = append(handlers, forwarder)
	}

	if *metricNamespace != "" {
		cw := awso.NewClientProvider(func(cfg aws.Config) *cloudwatch.Client {
			cfg.Region = *region
			log.Println("Creating new Cloudwatch client")
			return cloudwatch.NewFromConfig(cfg)
		})
		reporter := metrics.NewCloudwatchReporter(&cw, *metricNamespace, *metricName,
			*metricDimension, filepath.Base(*device), *metricInterval)
		defer func() {
			if err := reporter.Close(); err != nil {
				log.Printf("Error publishing final line count: %v", err)
			}
		}()
		handlers = append(handlers, reporter)
	}

	mon := monitor.New(port, *pollInterval, handlers...)

	fmt.Println("Serial monitor started. Press Ctrl+C to exit.")
	fmt.Println(strings.Repeat("=", 50))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var g run.Group
	g.Add(func() error {
		return mon.Run(ctx)
	}, func(error) {
		cancel()
	})
	g.Add(run.SignalHandler(context.Background(), syscall.SIGINT, syscall.SIGTERM))

	err = g.Run()

	var sig run.SignalError
	if err == nil || errors.As(err, &sig) {
		fmt.Println("\nMonitor stopped.")
		return nil
	}
	return err
}

func printPorts() error {
	ports, err := monitor.ListPorts()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Println("No serial ports found.")
		return nil
	}
	for _, p := range ports {
		fmt.Printf("Found port: %v\n", p)
	}
	return nil
}
