package main

import (
	"flag"
	"fmt"

	"faster"
	log "github.com/sirupsen/logrus"
)

func main() {
	dir := flag.String("dir", ".", "store directory")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	s, err := faster.Open(*dir, 0755, nil)
	if err != nil {
		log.Fatalf("open %s: %v", *dir, err)
	}
	defer s.Close()

	if err := s.Recover(); err != nil {
		log.Fatalf("recover %s: %v", *dir, err)
	}

	st := s.State()
	fmt.Printf("recovered %s: version=%d head=%d tail=%d sessions=%d\n",
		*dir, st.Version, s.HeadAddress(), s.TailAddress(), s.SessionCount())
}
