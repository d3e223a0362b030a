package main

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/pflag"

	"github.com/inaiurai/streamescrow/internal/config"
)

// Registration defaults.
const (
	defaultFeeBps      = 500
	defaultMaxWindows  = 48
	defaultMaxCharge   = "50000000000000000000"
	defaultMetadata    = "str:lobster-lifeguard-v2"
	defaultOverdueSize = 100
)

type command struct {
	summary string
	// bind registers the command's flags and returns its action.
	bind func(fs *pflag.FlagSet) func(c *client) error
}

func commands() map[string]command {
	return map[string]command{
		"signup": {"create a principal", func(fs *pflag.FlagSet) func(*client) error {
			email := fs.String("email", "", "account email")
			password := fs.String("password", "", "account password")
			name := fs.String("name", "", "display name")
			return func(c *client) error {
				if err := required(fs, "email", "password"); err != nil {
					return err
				}
				return c.print(http.MethodPost, "/api/v1/auth/register", map[string]string{
					"email": *email, "password": *password, "display_name": *name,
				})
			}
		}},
		"login": {"print a bearer token for ESCROW_TOKEN", func(fs *pflag.FlagSet) func(*client) error {
			email := fs.String("email", "", "account email")
			password := fs.String("password", "", "account password")
			return func(c *client) error {
				if err := required(fs, "email", "password"); err != nil {
					return err
				}
				var resp struct {
					Token string `json:"token"`
				}
				err := c.call(http.MethodPost, "/api/v1/auth/login", map[string]string{
					"email": *email, "password": *password,
				}, &resp)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(c.out, resp.Token)
				return err
			}
		}},
		"deploy": {"initialize the escrow with the caller as owner", bindDeploy},
		"register": {"enroll the caller as an agent", func(fs *pflag.FlagSet) func(*client) error {
			feeBps := fs.Uint64("fee-bps", defaultFeeBps, "fee in basis points of the window reward")
			windows := fs.Uint64("max-windows", defaultMaxWindows, "maximum billable windows per epoch")
			maxCharge := fs.String("max-charge", defaultMaxCharge, "maximum charge per epoch")
			metadata := fs.String("metadata", defaultMetadata, "agent metadata")
			payment := fs.String("payment", "", "setup fee plus initial bond")
			return func(c *client) error {
				if err := required(fs, "payment"); err != nil {
					return err
				}
				return c.print(http.MethodPost, "/v1/agents/register", map[string]any{
					"fee_bps":               *feeBps,
					"max_windows_per_epoch": *windows,
					"max_charge_per_epoch":  *maxCharge,
					"metadata":              *metadata,
					"payment":               *payment,
				})
			}
		}},
		"set-billing-guards": {"change the caller's billing guards", func(fs *pflag.FlagSet) func(*client) error {
			windows := fs.Uint64("max-windows", 0, "maximum billable windows per epoch")
			maxCharge := fs.String("max-charge", "", "maximum charge per epoch")
			return func(c *client) error {
				if err := required(fs, "max-windows", "max-charge"); err != nil {
					return err
				}
				return c.print(http.MethodPut, "/v1/agents/me/guards", map[string]any{
					"max_windows_per_epoch": *windows,
					"max_charge_per_epoch":  *maxCharge,
				})
			}
		}},
		"topup-bond": {"add to the caller's bond", func(fs *pflag.FlagSet) func(*client) error {
			payment := fs.String("payment", "", "amount to deposit")
			return func(c *client) error {
				if err := required(fs, "payment"); err != nil {
					return err
				}
				return c.print(http.MethodPost, "/v1/agents/me/bond", map[string]string{"payment": *payment})
			}
		}},
		"pause":          {"pause the caller's agent", bindPost("/v1/agents/me/pause")},
		"resume-healthy": {"reactivate the caller's agent", bindPost("/v1/agents/me/resume")},
		"cancel":         {"cancel the caller's agent and refund the bond", bindPost("/v1/agents/me/cancel")},
		"bill-epoch": {"bill an agent for a closed epoch (operator)", func(fs *pflag.FlagSet) func(*client) error {
			agent := fs.String("agent", "", "agent id")
			epoch := fs.Uint64("epoch", 0, "closed epoch")
			windows := fs.Uint64("windows", 0, "windows used")
			return func(c *client) error {
				if err := required(fs, "agent", "epoch", "windows"); err != nil {
					return err
				}
				return c.print(http.MethodPost, "/v1/billing/epochs", map[string]any{
					"agent": *agent, "epoch": *epoch, "windows": *windows,
				})
			}
		}},
		"settle-epoch": {"pay the caller's due for an epoch", func(fs *pflag.FlagSet) func(*client) error {
			epoch := fs.Uint64("epoch", 0, "billed epoch")
			payment := fs.String("payment", "", "amount to pay")
			return func(c *client) error {
				if err := required(fs, "epoch", "payment"); err != nil {
					return err
				}
				path := "/v1/agents/me/epochs/" + strconv.FormatUint(*epoch, 10) + "/settle"
				return c.print(http.MethodPost, path, map[string]string{"payment": *payment})
			}
		}},
		"enforce-epoch": {"slash an agent's bond for an overdue epoch", func(fs *pflag.FlagSet) func(*client) error {
			agent := fs.String("agent", "", "agent id")
			epoch := fs.Uint64("epoch", 0, "overdue epoch")
			return func(c *client) error {
				if err := required(fs, "agent", "epoch"); err != nil {
					return err
				}
				path := "/v1/agents/" + url.PathEscape(*agent) + "/epochs/" + strconv.FormatUint(*epoch, 10) + "/enforce"
				return c.print(http.MethodPost, path, nil)
			}
		}},
		"withdraw-owner": {"pay out claimable owner funds (owner)", func(fs *pflag.FlagSet) func(*client) error {
			amount := fs.String("amount", "", "amount to withdraw")
			to := fs.String("to", "", "recipient id")
			return func(c *client) error {
				if err := required(fs, "amount", "to"); err != nil {
					return err
				}
				return c.print(http.MethodPost, "/v1/owner/withdraw", map[string]string{"amount": *amount, "to": *to})
			}
		}},
		"set-config": {"change one configuration setting (owner)", func(fs *pflag.FlagSet) func(*client) error {
			setting := fs.String("setting", "", "operator, owner, window-reward, promo-slots, max-backbill-epochs or hard-max-windows")
			value := fs.String("value", "", "new value")
			return func(c *client) error {
				if err := required(fs, "setting", "value"); err != nil {
					return err
				}
				return setConfig(c, *setting, *value)
			}
		}},
		"set-max-backbill-epochs": {"change how far back billing may reach (owner)", bindSetting("max-backbill-epochs")},
		"set-hard-max-windows":    {"change the global per-epoch window cap (owner)", bindSetting("hard-max-windows")},
		"query": {"read escrow state", func(fs *pflag.FlagSet) func(*client) error {
			function := fs.String("function", "", "query function, e.g. agent-info or claimable-owner")
			arguments := fs.StringSlice("arguments", nil, "comma separated query arguments")
			return func(c *client) error {
				if err := required(fs, "function"); err != nil {
					return err
				}
				path, err := queryPath(*function, *arguments)
				if err != nil {
					return err
				}
				return c.print(http.MethodGet, path, nil)
			}
		}},
	}
}

func bindDeploy(fs *pflag.FlagSet) func(*client) error {
	g := config.DefaultGenesis()
	genesis := fs.String("genesis", "", "YAML genesis file; flags override its values")
	operator := fs.String("operator", "", "operator id")
	reward := fs.String("window-reward", "", "reward per billable window")
	setupFee := fs.String("setup-fee", g.SetupFee, "one-time enrollment fee")
	minBond := fs.String("min-bond", g.MinBond, "minimum bond for an active agent")
	promo := fs.Uint64("promo", g.PromoFreeSlots, "agents enrolled without the setup fee")
	grace := fs.Uint64("grace", g.GraceEpochs, "epochs after billing before enforcement")
	backbill := fs.Uint64("backbill", g.MaxBackbillEpochs, "how many epochs back billing may reach")
	hardCap := fs.Uint64("hard-cap", g.HardMaxWindowsPerEpoch, "global windows per epoch cap")

	return func(c *client) error {
		if *genesis != "" {
			loaded, err := config.LoadGenesis(*genesis)
			if err != nil {
				return err
			}
			g = *loaded
		}
		override := func(name string, dst *string, v string) {
			if fs.Changed(name) {
				*dst = v
			}
		}
		overrideN := func(name string, dst *uint64, v uint64) {
			if fs.Changed(name) || *genesis == "" {
				*dst = v
			}
		}
		override("operator", &g.Operator, *operator)
		override("window-reward", &g.WindowReward, *reward)
		override("setup-fee", &g.SetupFee, *setupFee)
		override("min-bond", &g.MinBond, *minBond)
		overrideN("promo", &g.PromoFreeSlots, *promo)
		overrideN("grace", &g.GraceEpochs, *grace)
		overrideN("backbill", &g.MaxBackbillEpochs, *backbill)
		overrideN("hard-cap", &g.HardMaxWindowsPerEpoch, *hardCap)

		if g.Operator == "" || g.WindowReward == "" {
			return errors.New("deploy: --operator and --window-reward are required")
		}
		return c.print(http.MethodPost, "/v1/config/initialize", map[string]any{
			"operator":                   g.Operator,
			"window_reward":              g.WindowReward,
			"setup_fee":                  g.SetupFee,
			"min_bond":                   g.MinBond,
			"promo_free_slots":           g.PromoFreeSlots,
			"grace_epochs":               g.GraceEpochs,
			"max_backbill_epochs":        g.MaxBackbillEpochs,
			"hard_max_windows_per_epoch": g.HardMaxWindowsPerEpoch,
		})
	}
}

func bindPost(path string) func(fs *pflag.FlagSet) func(*client) error {
	return func(*pflag.FlagSet) func(*client) error {
		return func(c *client) error { return c.print(http.MethodPost, path, nil) }
	}
}

func bindSetting(setting string) func(fs *pflag.FlagSet) func(*client) error {
	return func(fs *pflag.FlagSet) func(*client) error {
		value := fs.Uint64("value", 0, "new value")
		return func(c *client) error {
			if err := required(fs, "value"); err != nil {
				return err
			}
			return setConfig(c, setting, strconv.FormatUint(*value, 10))
		}
	}
}

// setConfig sends counts as JSON numbers and everything else as strings.
func setConfig(c *client, setting, value string) error {
	var v any = value
	switch setting {
	case "promo-slots", "max-backbill-epochs", "hard-max-windows":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("%s must be a non-negative integer", setting)
		}
		v = n
	}
	return c.print(http.MethodPut, "/v1/config/"+url.PathEscape(setting), map[string]any{"value": v})
}

// queryPath maps a query function and its arguments onto a GET path.
func queryPath(function string, args []string) (string, error) {
	name := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(function)), "_", "-")
	want := func(n int) error {
		if len(args) != n {
			return fmt.Errorf("query %s takes %d argument(s), got %d", name, n, len(args))
		}
		return nil
	}
	agentPath := func() string { return "/v1/agents/" + url.PathEscape(args[0]) }

	switch name {
	case "agent-info":
		if err := want(1); err != nil {
			return "", err
		}
		return agentPath(), nil
	case "agent-financials":
		if err := want(1); err != nil {
			return "", err
		}
		return agentPath() + "/financials", nil
	case "journal":
		if err := want(1); err != nil {
			return "", err
		}
		return agentPath() + "/journal", nil
	case "epoch-record", "epoch-debt", "epoch-state":
		if err := want(2); err != nil {
			return "", err
		}
		if _, err := strconv.ParseUint(args[1], 10, 64); err != nil {
			return "", fmt.Errorf("query %s: invalid epoch %q", name, args[1])
		}
		return agentPath() + "/epochs/" + args[1], nil
	case "claimable-owner":
		return "/v1/owner/claimable", want(0)
	case "config":
		return "/v1/config", want(0)
	case "promo-usage":
		return "/v1/promo", want(0)
	case "active-agent-count", "stats":
		return "/v1/stats", want(0)
	case "overdue":
		limit := strconv.Itoa(defaultOverdueSize)
		if len(args) > 0 {
			if err := want(1); err != nil {
				return "", err
			}
			limit = args[0]
		}
		return "/v1/epochs/overdue?limit=" + url.QueryEscape(limit), nil
	}
	return "", fmt.Errorf("unknown query function %q", function)
}

func required(fs *pflag.FlagSet, names ...string) error {
	var missing []string
	for _, name := range names {
		if !fs.Changed(name) {
			missing = append(missing, "--"+name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s: missing %s", fs.Name(), strings.Join(missing, ", "))
	}
	return nil
}
