package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/loqalabs/loqa-clone/internal/config"
	"github.com/loqalabs/loqa-clone/internal/protocol"
	"github.com/nats-io/nats.go"
)

var version = "0.1.0-dev"

const usage = "expected 'synth', 'speakers', 'ping', 'validate' or 'version'"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "synth":
		err = runSynth(os.Args[2:])
	case "speakers":
		err = runSpeakers(os.Args[2:])
	case "ping":
		err = runPing(os.Args[2:])
	case "validate":
		err = runValidate(os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s\n", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type busFlags struct {
	url     string
	timeout time.Duration
}

func (b *busFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&b.url, "nats", nats.DefaultURL, "NATS server URL")
	fs.DurationVar(&b.timeout, "timeout", 5*time.Minute, "Request timeout")
}

func (b *busFlags) request(subject string, payload any, out any) error {
	nc, err := nats.Connect(b.url, nats.Name("loqa-clone-cli"))
	if err != nil {
		return fmt.Errorf("connect to nats: %w", err)
	}
	defer nc.Close()

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	msg, err := nc.Request(subject, data, b.timeout)
	if err != nil {
		return fmt.Errorf("request %s: %w", subject, err)
	}
	return json.Unmarshal(msg.Data, out)
}

func runSynth(args []string) error {
	var (
		bf  busFlags
		req protocol.SynthesisRequest
		ref string
		out string
	)
	fs := flag.NewFlagSet("synth", flag.ExitOnError)
	bf.register(fs)
	fs.StringVar(&req.Text, "text", "", "Text to speak")
	fs.StringVar(&req.Mode, "mode", protocol.ModeZeroShot, "zero_shot, cross_lingual, instruct or sft")
	fs.StringVar(&ref, "ref", "", "Reference audio file path or http(s) URL")
	fs.StringVar(&req.PromptText, "prompt-text", "", "Transcript of the reference audio")
	fs.StringVar(&req.InstructText, "instruct", "", "Style instruction (instruct mode)")
	fs.StringVar(&req.SpeakerID, "speaker", "", "Built-in speaker (sft mode)")
	fs.Float64Var(&req.Speed, "speed", 1.0, "Tempo factor, effective within [0.5, 2.0]")
	fs.StringVar(&req.Format, "format", protocol.FormatMP3, "mp3, wav, ogg or flac")
	fs.StringVar(&out, "out", "", "Output file (defaults to clone.<format>)")
	_ = fs.Parse(args)

	if ref != "" {
		source, err := referenceSource(ref)
		if err != nil {
			return err
		}
		req.PromptAudio = source
	}

	var resp protocol.SynthesisResponse
	if err := bf.request(protocol.SubjectSynthesisRequest, req, &resp); err != nil {
		return err
	}
	if resp.Failed() {
		return fmt.Errorf("%s: %s", resp.Error, resp.Detail)
	}
	audio, err := base64.StdEncoding.DecodeString(resp.AudioBase64)
	if err != nil {
		return fmt.Errorf("decode audio: %w", err)
	}
	if out == "" {
		out = "clone." + resp.Format
	}
	if err := os.WriteFile(out, audio, 0o644); err != nil {
		return err
	}
	fmt.Printf("wrote %s (%d ms, %d Hz, request %s)\n", out, resp.DurationMS, resp.SampleRate, resp.RequestID)
	return nil
}

func referenceSource(ref string) (string, error) {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref, nil
	}
	data, err := os.ReadFile(ref)
	if err != nil {
		return "", fmt.Errorf("read reference audio: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func runSpeakers(args []string) error {
	var bf busFlags
	fs := flag.NewFlagSet("speakers", flag.ExitOnError)
	bf.register(fs)
	_ = fs.Parse(args)

	var resp protocol.SpeakersResponse
	if err := bf.request(protocol.SubjectSpeakersRequest, struct{}{}, &resp); err != nil {
		return err
	}
	if resp.Status != "ok" {
		return errors.New(resp.Error)
	}
	for _, s := range resp.Speakers {
		fmt.Println(s)
	}
	return nil
}

func runPing(args []string) error {
	var bf busFlags
	fs := flag.NewFlagSet("ping", flag.ExitOnError)
	bf.register(fs)
	_ = fs.Parse(args)

	var resp protocol.SynthesisResponse
	if err := bf.request(protocol.SubjectSynthesisRequest, protocol.SynthesisRequest{Text: protocol.PingText}, &resp); err != nil {
		return err
	}
	if !resp.Pong {
		return fmt.Errorf("unexpected ping reply: %+v", resp)
	}
	fmt.Println(resp.Status)
	return nil
}

func runValidate(args []string) error {
	var path string
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	fs.StringVar(&path, "config", "loqa-clone.yaml", "Path to configuration file")
	_ = fs.Parse(args)

	if _, err := config.Load(path); err != nil {
		return err
	}
	fmt.Println("config valid")
	return nil
}
