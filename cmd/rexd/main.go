package main

import (
	"os"
	"os/signal"
	"os/user"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"

	fmt "github.com/jhunt/go-ansi"
	"github.com/jhunt/go-cli"
	env "github.com/jhunt/go-envirotron"
	"github.com/jhunt/go-log"
	"github.com/mattn/go-isatty"
	"golang.org/x/crypto/ssh"

	"github.com/jhunt/go-rexd"
)

var opts struct {
	LogLevel string `cli:"-L, --log-level" env:"REXD_LOG_LEVEL"`
	Help     bool   `cli:"-h, --help"`

	Run struct {
		Bind           string   `cli:"-b, --bind" env:"REXD_BIND"`
		Port           int      `cli:"-p, --port" env:"REXD_PORT"`
		User           string   `cli:"-u, --user" env:"REXD_USER"`
		SSHDir         string   `cli:"-d, --ssh-dir" env:"REXD_SSH_DIR"`
		AuthorizedKeys string   `cli:"-a, --authorized-keys" env:"REXD_AUTHORIZED_KEYS"`
		HostKeys       []string `cli:"-k, --host-key"`
		Home           string   `cli:"--home" env:"REXD_HOME"`
		Shell          string   `cli:"-s, --shell" env:"REXD_SHELL"`
		ExecFlag       string   `cli:"--exec-flag" env:"REXD_EXEC_FLAG"`
		Codec          string   `cli:"-c, --codec" env:"REXD_CODEC"`
	} `cli:"run"`

	Keygen struct {
		Bits int `cli:"-b, --bits"`
	} `cli:"keygen"`
}

func main() {
	opts.LogLevel = "info"
	opts.Keygen.Bits = 2048

	env.Override(&opts)
	log.SetupLogging(log.LogConfig{
		Type:  "console",
		Level: opts.LogLevel,
	})

	command, args, err := cli.Parse(&opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "!!! %s\n", err)
		os.Exit(1)
	}

	if opts.Help || (command == "" && len(args) == 0) {
		fmt.Printf("@*{rexd} - A public-key SSH remote-execution daemon\n")
		fmt.Printf("\n")
		fmt.Printf("@W{COMMANDS}\n")
		fmt.Printf("\n")
		fmt.Printf("  @G{run}               Run the daemon.\n")
		fmt.Printf("\n")
		fmt.Printf("    -b, --bind IP          Address to listen on (default 127.0.0.1).\n")
		fmt.Printf("    -p, --port N           Port to listen on (default 2200).\n")
		fmt.Printf("    -u, --user NAME        The one account allowed to log in\n")
		fmt.Printf("                           (default: whoever ran rexd).\n")
		fmt.Printf("    -d, --ssh-dir PATH     Where keys live (default: the per-user\n")
		fmt.Printf("                           config directory, under rexd/).\n")
		fmt.Printf("    -a, --authorized-keys PATH\n")
		fmt.Printf("                           Public keys allowed to log in\n")
		fmt.Printf("                           (default: SSH-DIR/authorized_keys).\n")
		fmt.Printf("    -k, --host-key PATH    A host key to present; repeatable.\n")
		fmt.Printf("                           With none given, SSH-DIR/ssh_host_rsa_key\n")
		fmt.Printf("                           is used, and generated if missing.\n")
		fmt.Printf("    --home PATH            Working directory for spawned commands\n")
		fmt.Printf("                           (default: your home directory).\n")
		fmt.Printf("    -s, --shell CMDLINE    Shell invocation template.\n")
		fmt.Printf("    --exec-flag FLAG       The template's run-one-command flag\n")
		fmt.Printf("                           (default: /C on Windows, -c elsewhere).\n")
		fmt.Printf("    -c, --codec NAME       Text encoding for commands and payloads\n")
		fmt.Printf("                           (default utf-8).\n")
		fmt.Printf("\n")
		fmt.Printf("  @G{keygen}            Generate an RSA private key, to standard output.\n")
		fmt.Printf("\n")
		fmt.Printf("    -b, --bits N    How strong to make the RSA key, must be one of\n")
		fmt.Printf("                    1024, 2048, or 4096.\n")
		fmt.Printf("\n")
		os.Exit(0)
	}

	if command == "keygen" {
		switch opts.Keygen.Bits {
		case 1024, 2048, 4096:
			if isatty.IsTerminal(1) {
				fmt.Fprintf(os.Stderr, "generating a %d-bit rsa private key to standard output...\n", opts.Keygen.Bits)
			}

		default:
			fmt.Fprintf(os.Stderr, "unable to generate a %d-bit rsa private key;\n", opts.Keygen.Bits)
			fmt.Fprintf(os.Stderr, "please pick either 1024, 2048, or 4096 for --bits\n")
			os.Exit(1)
		}

		b, err := rexd.GeneratePrivateKeyPEM(opts.Keygen.Bits)
		if err != nil {
			fmt.Fprintf(os.Stderr, "keygen failed: %s\n", err)
			os.Exit(2)
		}
		fmt.Printf("%s", string(b))
		os.Exit(0)

	} else if command == "run" {
		run()

	} else {
		if command == "" {
			fmt.Fprintf(os.Stderr, "command `%s' not recognized\n", strings.Join(args, " "))
		} else {
			fmt.Fprintf(os.Stderr, "command `%s' not recognized\n", command)
		}
		os.Exit(2)
	}

	os.Exit(0)
}

func run() {
	sshdir := opts.Run.SSHDir
	if sshdir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "!!! unable to find your configuration directory: %s\n", err)
			os.Exit(1)
		}
		sshdir = filepath.Join(base, "rexd")
	}
	if err := os.MkdirAll(sshdir, 0700); err != nil {
		fmt.Fprintf(os.Stderr, "!!! unable to create %s: %s\n", sshdir, err)
		os.Exit(1)
	}
	log.Infof("ssh dir: %s", sshdir)

	var hostkeys []ssh.Signer
	if len(opts.Run.HostKeys) == 0 {
		path := filepath.Join(sshdir, "ssh_host_rsa_key")
		key, err := rexd.PrivateKeyFromFile(path)
		if os.IsNotExist(err) {
			log.Infof("no host key at %s; generating one...", path)
			key, err = rexd.WriteHostKey(path, 2048)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "!!! unable to load host key %s: %s\n", path, err)
			os.Exit(1)
		}
		log.Infof("host key %s (%s)", path, ssh.FingerprintSHA256(key.PublicKey()))
		hostkeys = append(hostkeys, key)

	} else {
		for _, path := range opts.Run.HostKeys {
			key, err := rexd.PrivateKeyFromFile(path)
			if err != nil {
				fmt.Fprintf(os.Stderr, "!!! unable to load host key %s: %s\n", path, err)
				os.Exit(1)
			}
			log.Infof("host key %s (%s)", path, ssh.FingerprintSHA256(key.PublicKey()))
			hostkeys = append(hostkeys, key)
		}
	}

	username := opts.Run.User
	if username == "" {
		u, err := user.Current()
		if err != nil {
			fmt.Fprintf(os.Stderr, "!!! unable to determine who you are: %s\n", err)
			os.Exit(1)
		}
		username = u.Username
	}

	akpath := opts.Run.AuthorizedKeys
	if akpath == "" {
		akpath = filepath.Join(sshdir, "authorized_keys")
	}
	authkeys, err := rexd.LoadAuthorizedKeys(akpath)
	if err != nil || len(authkeys) == 0 {
		if err != nil {
			log.Errorf("unable to load authorized keys from %s: %s", akpath, err)
		} else {
			log.Errorf("no authorized keys in %s", akpath)
		}
		fmt.Fprintf(os.Stderr, "!!! no usable authorized keys in @Y{%s};\n", akpath)
		fmt.Fprintf(os.Stderr, "!!! drop a public key in there and try again.\n")
		rexd.SystemOpener.Open("explore", sshdir, "")
		os.Exit(1)
	}
	log.Infof("user: %s (%d authorized keys)", username, len(authkeys))

	codec, err := rexd.LookupCodec(opts.Run.Codec)
	if err != nil {
		fmt.Fprintf(os.Stderr, "!!! %s\n", err)
		os.Exit(1)
	}

	var shell []string
	execFlag := opts.Run.ExecFlag
	if opts.Run.Shell != "" {
		shell = strings.Fields(opts.Run.Shell)
		if execFlag == "" {
			execFlag = "-c"
			if runtime.GOOS == "windows" {
				execFlag = "/C"
			}
		}
	}

	sink := &rexd.ConsoleSink{}
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Infof("caught a signal; shutting down...")
		sink.Stop()
	}()

	server := &rexd.Server{
		Bind:           opts.Run.Bind,
		Port:           opts.Run.Port,
		Username:       username,
		HostKeys:       hostkeys,
		AuthorizedKeys: authkeys,
		HomeDir:        opts.Run.Home,
		Shell:          shell,
		ExecFlag:       execFlag,
		Codec:          codec,
		Sink:           sink,
	}

	if err := server.Listen(); err != nil {
		fmt.Fprintf(os.Stderr, "!!! %s\n", err)
		os.Exit(1)
	}
	log.Infof("home dir: %s", server.HomeDir)
	log.Infof("shell: %v (exec flag %s)", server.Shell, server.ExecFlag)
	log.Infof("Listening: %s...", server.Addr())

	if err := server.Serve(); err != nil {
		fmt.Fprintf(os.Stderr, "!!! %s\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}
