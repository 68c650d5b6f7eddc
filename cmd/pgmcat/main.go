// Command pgmcat sends lines from stdin as PGM datagrams to a multicast
// group, reporting transmit stats the way the library's other demo
// commands report theirs: one logrus summary line when stdin is exhausted,
// plus a /metrics endpoint for scraping.
package main

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	openpgm "github.com/openpgm/pgm"
	"github.com/openpgm/pgm/transport/udpcap"
)

func main() {
	group := "239.192.0.1:7500"
	if len(os.Args) > 1 {
		group = os.Args[1]
	}

	addr, err := net.ResolveUDPAddr("udp4", group)
	if err != nil {
		logrus.Fatalf("resolve group: %v", err)
	}

	tr, err := udpcap.New(udpcap.Config{Group: addr, TTL: 16, Loopback: false})
	if err != nil {
		logrus.Fatalf("open transport: %v", err)
	}
	defer tr.Close()

	hostname, err := os.Hostname()
	if err != nil {
		logrus.Fatalf("hostname: %v", err)
	}
	tsi := openpgm.TSI{GSI: openpgm.NewGSIFromHostname(hostname), Port: 7500}

	ep, err := openpgm.New(tsi, tr, openpgm.WithMTU(1500))
	if err != nil {
		logrus.Fatalf("new endpoint: %v", err)
	}
	defer ep.Close(true, addr)

	prometheus.MustRegister(ep.Metrics())
	http.Handle("/metrics", promhttp.Handler())
	go func() {
		logrus.Infof("metrics listening on :18081")
		logrus.Warn(http.ListenAndServe(":18081", nil))
	}()

	scanner := bufio.NewScanner(os.Stdin)
	sent := 0
	start := time.Now()
	for scanner.Scan() {
		line := scanner.Bytes()
		if err := ep.Send(line, addr); err != nil {
			logrus.Errorf("send: %v", err)
			continue
		}
		sent++
	}
	if err := scanner.Err(); err != nil {
		logrus.Errorf("read stdin: %v", err)
	}

	logrus.Infof("sent %d datagrams to %s in %s", sent, group, time.Since(start))
	fmt.Fprintf(os.Stderr, "tsi=%s\n", tsi)
}
