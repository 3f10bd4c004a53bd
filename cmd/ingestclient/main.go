// Command ingestclient is a synthetic decoder: it sends detection packets
// at a fixed interval to a running raceengine, for manual testing without
// real transponder hardware.
package main

import (
	"bytes"
	"flag"
	"math/rand"
	"net"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hybridsix/chronocore-rs/network"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true, TimeFormat: zerolog.TimeFieldFormat})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	addr := flag.String("addr", "127.0.0.1:9000", "raceengine ingest address")
	tags := flag.String("tags", "0000001,0000002,0000003", "comma-separated tags to simulate")
	lapS := flag.Float64("lap-seconds", 12.0, "average lap time in seconds")
	deviceID := flag.Int("device", 1, "decoder device id")
	flag.Parse()

	tagList := splitTags(*tags)
	if len(tagList) == 0 {
		log.Fatal().Msg("no tags given")
	}

	raddr, err := net.ResolveUDPAddr("udp", *addr)
	if err != nil {
		log.Fatal().Err(err).Msgf("resolve %s", *addr)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		log.Fatal().Err(err).Msgf("dial %s", *addr)
	}
	defer conn.Close()

	log.Info().Msgf("sending simulated detections for %d tags to %s", len(tagList), *addr)

	ticker := time.NewTicker(time.Duration(*lapS*1000/float64(len(tagList))) * time.Millisecond)
	defer ticker.Stop()

	i := 0
	for range ticker.C {
		tag := tagList[i%len(tagList)]
		i++

		jitterMs := time.Duration(rand.Intn(200)) * time.Millisecond
		time.Sleep(jitterMs)

		pkt := network.DetectionPacket{
			DeviceID: int32(*deviceID),
			Tag:      tag,
			DeviceMs: uint32(time.Now().UnixMilli()),
		}
		var buf bytes.Buffer
		if !network.MarshalDetection(&buf, pkt) {
			log.Error().Msg("marshal detection failed")
			continue
		}
		if _, err := conn.Write(buf.Bytes()); err != nil {
			log.Error().Err(err).Msg("send detection failed")
			continue
		}
		log.Debug().Str("tag", tag).Msg("sent detection")
	}
}

func splitTags(s string) []string {
	var out []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
