package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/google/uuid"
	"github.com/sanity-io/litter"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/glasswing/mirror"
	"github.com/glasswing/mirror/fact"
	"github.com/glasswing/mirror/sqlitecache"
)

const MirrorCtlVersion = "0.0.1"

type Config struct {
	Url   string `yaml:"url"`
	Token string `yaml:"token,omitempty"`
	Space string `yaml:"space"`
	Cache string `yaml:"cache,omitempty"`
}

func main() {
	usage := `Mirror control.

Values are JSON documents, so a plain string needs quoting twice:
    mirrorctl set doc:a spell '"lumos"'

Connection settings come from a yaml config file:

    url: wss://mirror.example.com
    space: memory:home
    token: <jwt>
    cache: ~/.mirrorctl.db

Usage:
    mirrorctl head [options]
    mirrorctl get <entity> <attribute> [options]
    mirrorctl set <entity> <attribute> <value> [options]
    mirrorctl retract <entity> <attribute> [options]
    mirrorctl watch <entity> <attribute> [options]
    mirrorctl sync [options]
    mirrorctl mint

Options:
    -h --help              Show this screen.
    --version              Show version.
    -c --config=<config>   Config file [default: ~/.mirrorctl.yml].
    --url=<url>            Remote url, overrides the config.
    --space=<space>        Memory space, overrides the config.
    --token=<token>        Bearer token, overrides the config.
    --cache=<cache>        Cache file, overrides the config.
    --timeout=<timeout>    Seconds to wait on the remote [default: 30].`

	// glog goes to stderr. docopt owns argv, so no flags reach flag.Parse.
	flag.Set("logtostderr", "true")
	flag.CommandLine.Parse([]string{})

	opts, err := docopt.ParseArgs(usage, os.Args[1:], MirrorCtlVersion)
	if err != nil {
		panic(err)
	}

	if mint_, _ := opts.Bool("mint"); mint_ {
		fmt.Printf("doc:%s\n", uuid.NewString())
	} else if head_, _ := opts.Bool("head"); head_ {
		head(opts)
	} else if get_, _ := opts.Bool("get"); get_ {
		get(opts)
	} else if set_, _ := opts.Bool("set"); set_ {
		set(opts)
	} else if retract_, _ := opts.Bool("retract"); retract_ {
		retract(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if sync_, _ := opts.Bool("sync"); sync_ {
		syncSpace(opts)
	} else {
		docopt.PrintHelpAndExit(nil, usage)
	}
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

func loadConfig(opts docopt.Opts) *Config {
	configPath, _ := opts.String("--config")
	configPath = expandHome(configPath)

	config := &Config{}
	if b, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(b, config); err != nil {
			fail(fmt.Errorf("config %s: %w", configPath, err))
		}
	}

	if url, err := opts.String("--url"); err == nil && url != "" {
		config.Url = url
	}
	if space, err := opts.String("--space"); err == nil && space != "" {
		config.Space = space
	}
	if token, err := opts.String("--token"); err == nil && token != "" {
		config.Token = token
	}
	if cache, err := opts.String("--cache"); err == nil && cache != "" {
		config.Cache = cache
	}

	if config.Url == "" {
		fail(fmt.Errorf("no url in %s and no --url given", configPath))
	}
	if config.Space == "" {
		fail(fmt.Errorf("no space in %s and no --space given", configPath))
	}

	if config.Token == "" {
		fmt.Print("Token (blank for anonymous): ")
		tokenBytes, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Printf("\n")
		if err == nil {
			config.Token = strings.TrimSpace(string(tokenBytes))
		}
	}

	return config
}

func timeoutFor(opts docopt.Opts) time.Duration {
	seconds, err := opts.Int("--timeout")
	if err != nil || seconds <= 0 {
		seconds = 30
	}
	return time.Duration(seconds) * time.Second
}

type ctl struct {
	session *mirror.Session
	replica *mirror.Replica
	cache   *sqlitecache.Cache
}

func open(ctx context.Context, config *Config) *ctl {
	auth := &mirror.ClientAuth{
		ByJwt:      config.Token,
		InstanceId: fmt.Sprintf("mirrorctl-%s", uuid.NewString()),
		AppVersion: fmt.Sprintf("mirrorctl %s", MirrorCtlVersion),
	}

	space := fact.Entity(config.Space)

	session, err := mirror.NewSessionWithDefaults(ctx, config.Url, auth, space)
	if err != nil {
		fail(err)
	}

	var store mirror.Store
	var cache *sqlitecache.Cache
	if config.Cache != "" {
		cache, err = sqlitecache.Open(expandHome(config.Cache))
		if err != nil {
			fmt.Printf("Cache unavailable (%s).\n", err)
			cache = nil
		} else {
			store = cache
		}
	}

	replica := mirror.NewReplicaWithDefaults(ctx, session, store, space)

	return &ctl{
		session: session,
		replica: replica,
		cache:   cache,
	}
}

func (self *ctl) Close() {
	self.replica.Close()
	self.session.Close()
	if self.cache != nil {
		self.cache.Close()
	}
}

func addressArg(opts docopt.Opts) fact.Address {
	entity, _ := opts.String("<entity>")
	attribute, _ := opts.String("<attribute>")
	address := fact.Address{
		The: fact.Attribute(attribute),
		Of:  fact.Entity(entity),
	}
	if err := address.Validate(); err != nil {
		fail(err)
	}
	return address
}

func head(opts docopt.Opts) {
	config := loadConfig(opts)

	ctx, cancel := context.WithTimeout(context.Background(), timeoutFor(opts))
	defer cancel()

	c := open(ctx, config)
	defer c.Close()

	address := fact.Address{
		The: fact.Attribute(mirror.DefaultReplicaSettings().HeadAttribute),
		Of:  c.replica.Space(),
	}
	out, err := c.replica.Load(ctx, mirror.LoadQuery{Address: address})
	if err != nil {
		fail(err)
	}

	fmt.Printf("since: %d\n", c.replica.Since())
	fmt.Printf("%s\n", litter.Sdump(out[address]))

	if c.cache != nil {
		if size, err := c.cache.Size(ctx); err == nil {
			fmt.Printf("cached addresses: %d\n", size)
		}
	}
}

func get(opts docopt.Opts) {
	config := loadConfig(opts)
	address := addressArg(opts)

	ctx, cancel := context.WithTimeout(context.Background(), timeoutFor(opts))
	defer cancel()

	c := open(ctx, config)
	defer c.Close()

	out, err := c.replica.Load(ctx, mirror.LoadQuery{Address: address})
	if err != nil {
		fail(err)
	}

	revision := out[address]
	switch {
	case revision.Asserted():
		fmt.Printf("%s\n", revision.Is)
	case revision.Retracted():
		fmt.Printf("(retracted since %d)\n", revision.Since)
	default:
		fmt.Printf("(unclaimed)\n")
	}
}

func set(opts docopt.Opts) {
	config := loadConfig(opts)
	address := addressArg(opts)
	value, _ := opts.String("<value>")

	ctx, cancel := context.WithTimeout(context.Background(), timeoutFor(opts))
	defer cancel()

	c := open(ctx, config)
	defer c.Close()

	confirmed, err := c.replica.Push(ctx, fact.Assert{
		Of:  address.Of,
		The: address.The,
		Is:  fact.Value(value),
	})
	if err != nil {
		fail(err)
	}
	for _, revision := range confirmed {
		fmt.Printf("%s\n", revision)
	}
}

func retract(opts docopt.Opts) {
	config := loadConfig(opts)
	address := addressArg(opts)

	ctx, cancel := context.WithTimeout(context.Background(), timeoutFor(opts))
	defer cancel()

	c := open(ctx, config)
	defer c.Close()

	confirmed, err := c.replica.Push(ctx, fact.Retract{
		Of:  address.Of,
		The: address.The,
	})
	if err != nil {
		fail(err)
	}
	if len(confirmed) == 0 {
		fmt.Printf("(nothing to retract)\n")
		return
	}
	for _, revision := range confirmed {
		fmt.Printf("%s\n", revision)
	}
}

func watch(opts docopt.Opts) {
	config := loadConfig(opts)
	address := addressArg(opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := open(ctx, config)
	defer c.Close()

	// subscribe before the initial load so no change slips between them
	remove := c.replica.Subscribe(address, func(revision *fact.Revision) {
		fmt.Printf("%s\n", litter.Sdump(revision))
	})
	defer remove()

	loadCtx, loadCancel := context.WithTimeout(ctx, timeoutFor(opts))
	out, err := c.replica.Load(loadCtx, mirror.LoadQuery{Address: address})
	loadCancel()
	if err != nil {
		fail(err)
	}
	fmt.Printf("%s\n", litter.Sdump(out[address]))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
}

func syncSpace(opts docopt.Opts) {
	config := loadConfig(opts)

	ctx, cancel := context.WithTimeout(context.Background(), timeoutFor(opts))
	defer cancel()

	c := open(ctx, config)
	defer c.Close()

	if err := c.replica.Sync(ctx); err != nil {
		fail(err)
	}
	fmt.Printf("since: %d\n", c.replica.Since())
}

func fail(err error) {
	fmt.Printf("%s\n", err)
	os.Exit(1)
}
