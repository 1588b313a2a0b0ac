package core

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/fatih/color"

	"github.com/certcentral/certcentral/database"
	"github.com/certcentral/certcentral/log"
)

const (
	DEFAULT_PROMPT = ": "
	LAYER_TOP      = 1
)

type Terminal struct {
	rl        *readline.Instance
	completer *readline.PrefixCompleter
	engine    *Engine
	db        *database.Database
	hlp       *Help
}

func NewTerminal(engine *Engine, db *database.Database) (*Terminal, error) {
	var err error
	t := &Terminal{
		engine: engine,
		db:     db,
	}

	t.createHelp()
	t.completer = t.hlp.GetPrefixCompleter(LAYER_TOP)
	t.rl, err = readline.NewEx(&readline.Config{
		Prompt:              DEFAULT_PROMPT,
		AutoComplete:        t.completer,
		InterruptPrompt:     "^C",
		EOFPrompt:           "exit",
		FuncFilterInputRune: t.filterInput,
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Terminal) Close() {
	t.rl.Close()
}

func (t *Terminal) SetLogOutput(w io.Writer) {
	log.SetOutput(w)
}

func (t *Terminal) output(s string, args ...interface{}) {
	out := fmt.Sprintf(s, args...)
	fmt.Fprintf(log.GetOutput(), "\n%s\n", out)
}

// DoWork runs the read-eval loop until the operator exits.
func (t *Terminal) DoWork() {
	log.SetReadline(t.rl)
	t.output("%s", t.sprintCertStatus(""))

	for {
		line, err := t.rl.Readline()
		if err == readline.ErrInterrupt {
			log.Info("type 'exit' in order to quit")
			continue
		} else if err == io.EOF {
			break
		}
		if !t.ProcessCommand(line) {
			break
		}
	}
}

// ProcessCommand executes one console line. Returns false on exit.
func (t *Terminal) ProcessCommand(line string) bool {
	args := strings.Fields(strings.TrimSpace(line))
	if len(args) == 0 {
		return true
	}

	switch args[0] {
	case "clear":
		readline.ClearScreen(color.Output)
	case "certs":
		if err := t.handleCerts(args[1:]); err != nil {
			log.Error("certs: %v", err)
		}
	case "renew":
		if err := t.handleRenew(args[1:]); err != nil {
			log.Error("renew: %v", err)
		}
	case "revoke":
		if err := t.handleRevoke(args[1:]); err != nil {
			log.Error("revoke: %v", err)
		}
	case "accounts":
		if err := t.handleAccounts(args[1:]); err != nil {
			log.Error("accounts: %v", err)
		}
	case "rotate":
		if err := t.handleRotate(args[1:]); err != nil {
			log.Error("rotate: %v", err)
		}
	case "config":
		if err := t.handleConfig(args[1:]); err != nil {
			log.Error("config: %v", err)
		}
	case "status":
		t.handleStatus()
	case "help":
		if len(args) == 2 {
			if err := t.hlp.PrintBrief(args[1]); err != nil {
				log.Error("help: %v", err)
			}
		} else {
			t.hlp.Print(LAYER_TOP)
		}
	case "q", "quit", "exit":
		return false
	default:
		log.Error("unknown command: %s", args[0])
	}
	return true
}

func (t *Terminal) handleCerts(args []string) error {
	if len(args) == 0 {
		t.output("%s", t.sprintCertStatus(""))
		return nil
	}
	v, ok := t.engine.Record(args[0])
	if !ok {
		return fmt.Errorf("unknown certificate: %s", args[0])
	}
	keys := []string{"name", "state", "challenge", "account", "san", "serial", "not_before", "not_after", "failures", "next_attempt", "last_error"}
	vals := []string{
		v.Name, v.State, v.Challenge, v.Account,
		strings.Join(v.SAN, ", "), v.Serial,
		fmtTime(v.NotBefore), fmtTime(v.NotAfter),
		strconv.Itoa(v.Failures), fmtTime(v.NextAttempt), v.LastError,
	}
	log.Printf("\n%s\n", AsRows(keys, vals))
	return nil
}

func (t *Terminal) handleRenew(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("invalid syntax: renew <name>")
	}
	if err := t.engine.ForceRenew(args[0]); err != nil {
		return err
	}
	log.Info("renewal scheduled for: %s", args[0])
	return nil
}

func (t *Terminal) handleRevoke(args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("invalid syntax: revoke <name> [reason]")
	}
	reason := 0
	if len(args) == 2 {
		r, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("reason must be a number: %v", err)
		}
		reason = r
	}
	if err := t.engine.RequestRevoke(args[0], reason); err != nil {
		return err
	}
	log.Info("revocation scheduled for: %s", args[0])
	return nil
}

func (t *Terminal) handleAccounts(args []string) error {
	views := t.engine.AccountViews()
	cols := []string{"id", "directory", "account url"}
	var rows [][]string
	for _, v := range views {
		url := v.URL
		if url == "" {
			url = "(not registered)"
		}
		rows = append(rows, []string{v.ID, v.Directory, url})
	}
	t.output("%s", AsTable(cols, rows))
	return nil
}

func (t *Terminal) handleRotate(args []string) error {
	if len(args) != 2 || args[0] != "key" {
		return fmt.Errorf("invalid syntax: rotate key <account>")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := t.engine.RotateAccountKey(ctx, args[1]); err != nil {
		return err
	}
	log.Info("account key rotated: %s", args[1])
	return nil
}

func (t *Terminal) handleConfig(args []string) error {
	cfg := t.engine.Config()
	sc := cfg.Scheduler
	keys := []string{"config", "store", "workers", "renewal_ratio", "backoff_base", "backoff_cap", "concurrent_orders", "archive_keep"}
	vals := []string{
		cfg.Path(), cfg.Store.BasePath,
		strconv.Itoa(sc.Workers),
		strconv.FormatFloat(sc.RenewalRatio, 'f', 4, 64),
		sc.BackoffBase.String(), sc.BackoffCap.String(),
		strconv.Itoa(sc.ConcurrentOrders),
		strconv.Itoa(cfg.Store.ArchiveKeep),
	}
	log.Printf("\n%s\n", AsRows(keys, vals))
	return nil
}

func (t *Terminal) handleStatus() {
	base := t.engine.Config().Store.BasePath
	var parts []string
	for state, n := range t.engine.StateCounts() {
		parts = append(parts, fmt.Sprintf("%s=%d", state, n))
	}
	log.Info("certificates: %s", strings.Join(parts, " "))
	log.Info("store free space: %s", StoreFreeSpace(base))
}

func (t *Terminal) sprintCertStatus(filter string) string {
	higreen := color.New(color.FgHiGreen)
	hired := color.New(color.FgHiRed)
	yellow := color.New(color.FgYellow)
	hiblue := color.New(color.FgHiBlue)

	cols := []string{"name", "state", "challenge", "serial", "expires", "next attempt"}
	var rows [][]string
	for _, v := range t.engine.Records() {
		if filter != "" && v.Name != filter {
			continue
		}
		var state string
		switch v.State {
		case "LIVE":
			state = higreen.Sprint(v.State)
		case "FAILED", "EXPIRED":
			state = hired.Sprint(v.State)
		case "SELF_SIGNED":
			state = yellow.Sprint(v.State)
		default:
			state = hiblue.Sprint(v.State)
		}
		rows = append(rows, []string{v.Name, state, v.Challenge, v.Serial, fmtTime(v.NotAfter), fmtTime(v.NextAttempt)})
	}
	return AsTable(cols, rows)
}

func fmtTime(ts time.Time) string {
	if ts.IsZero() {
		return "-"
	}
	return ts.UTC().Format("2006-01-02 15:04:05")
}

func (t *Terminal) filterInput(r rune) (rune, bool) {
	switch r {
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

func (t *Terminal) createHelp() {
	h, _ := NewHelp()
	h.AddCommand("certs", "certificates", "show status of configured certificates", "Shows the lifecycle state of every configured certificate, or the full detail of one when a name is given.", LAYER_TOP,
		readline.PcItem("certs", readline.PcItemDynamic(t.certNamePrefixCompleter)))
	h.AddSubCommand("certs", nil, "", "show all certificates")
	h.AddSubCommand("certs", nil, "<name>", "show details of a single certificate")

	h.AddCommand("renew", "certificates", "force immediate renewal", "Schedules an immediate reissue of the named certificate, ignoring the renewal deadline.", LAYER_TOP,
		readline.PcItem("renew", readline.PcItemDynamic(t.certNamePrefixCompleter)))

	h.AddCommand("revoke", "certificates", "revoke a live certificate", "Asks the CA to revoke the published certificate. A fresh order is started right after. The optional reason is an RFC 5280 code.", LAYER_TOP,
		readline.PcItem("revoke", readline.PcItemDynamic(t.certNamePrefixCompleter)))

	h.AddCommand("accounts", "accounts", "list ACME accounts", "Lists the configured ACME accounts and their registration URLs.", LAYER_TOP,
		readline.PcItem("accounts"))

	h.AddCommand("rotate", "accounts", "rotate an account key", "Rolls the ACME account over to a freshly generated key and replaces the key file on disk.", LAYER_TOP,
		readline.PcItem("rotate", readline.PcItem("key", readline.PcItemDynamic(t.accountPrefixCompleter))))
	h.AddSubCommand("rotate", nil, "key <account>", "rotate the key of <account>")

	h.AddCommand("config", "general", "show active configuration", "Shows the active scheduler and store settings.", LAYER_TOP,
		readline.PcItem("config"))

	h.AddCommand("status", "general", "show engine status", "Shows per-state certificate counts and store disk usage.", LAYER_TOP,
		readline.PcItem("status"))

	h.AddCommand("clear", "general", "clear the screen", "Clears the screen.", LAYER_TOP,
		readline.PcItem("clear"))

	h.AddCommand("exit", "general", "exit the console", "Shuts the daemon down cleanly and exits.", LAYER_TOP,
		readline.PcItem("exit"))

	t.hlp = h
}

func (t *Terminal) certNamePrefixCompleter(args string) []string {
	var names []string
	for _, v := range t.engine.Records() {
		names = append(names, v.Name)
	}
	return names
}

func (t *Terminal) accountPrefixCompleter(args string) []string {
	var ids []string
	for _, v := range t.engine.AccountViews() {
		ids = append(ids, v.ID)
	}
	return ids
}
