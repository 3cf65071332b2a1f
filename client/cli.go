package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/term"
	"wuyrush.io/pinvault/common/logging"
	cst "wuyrush.io/pinvault/constants"
	"wuyrush.io/pinvault/crypt"
	"wuyrush.io/pinvault/keyvault"
)

const (
	defaultVaultDirName = ".pinvault"
	fileMode            = 0600
)

const usage = `usage: pinvault-client <command> [flags] [args]

commands:
  encrypt IN OUT [--save-key ID]        encrypt IN into OUT with a fresh content key
  decrypt IN OUT (--id ID | --key K --iv IV)
                                        decrypt IN into OUT
  vault list                            list artifact ids having a stored key
  vault remove ID                       drop the stored key of ID
  vault export FILE                     write every wrapped record to FILE
  vault import FILE                     read wrapped records from FILE`

var errUsage = errors.New(usage)

// cli runs one client command. Vault is opened from PIN_VAULT_DIR on first use unless set already.
type cli struct {
	Out        io.Writer
	Err        io.Writer
	Vault      *keyvault.Vault
	Passphrase func() (string, error)
	conf       *viper.Viper
}

func newCLI(out, errOut io.Writer) *cli {
	conf := viper.New()
	conf.AutomaticEnv()
	if home, err := os.UserHomeDir(); err == nil {
		conf.SetDefault(cst.EnvVaultDir, filepath.Join(home, defaultVaultDirName))
	}
	c := &cli{Out: out, Err: errOut, conf: conf}
	c.Passphrase = c.readPassphrase
	return c
}

func (c *cli) run(args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	switch args[0] {
	case "encrypt":
		return c.encrypt(args[1:])
	case "decrypt":
		return c.decrypt(args[1:])
	case "vault":
		return c.vault(args[1:])
	case "help", "-h", "--help":
		fmt.Fprintln(c.Out, usage)
		return nil
	}
	return fmt.Errorf("unknown command %q\n%w", args[0], errUsage)
}

// flags parses args with fs and binds the parsed flags into the cli's viper so env vars and flags read
// the same way
func (c *cli) flags(fs *pflag.FlagSet, args []string) ([]string, error) {
	fs.SetOutput(c.Err)
	fs.String("vault-dir", "", "directory of the local key vault")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := c.conf.BindPFlags(fs); err != nil {
		return nil, err
	}
	if d := c.conf.GetString("vault-dir"); d != "" {
		c.conf.Set(cst.EnvVaultDir, d)
	}
	return fs.Args(), nil
}

func (c *cli) openVault() (*keyvault.Vault, error) {
	if c.Vault != nil {
		return c.Vault, nil
	}
	dir := c.conf.GetString(cst.EnvVaultDir)
	if dir == "" {
		return nil, fmt.Errorf("no vault directory; set %s or --vault-dir", cst.EnvVaultDir)
	}
	b, err := keyvault.NewFileBackend(dir)
	if err != nil {
		return nil, err
	}
	c.Vault = keyvault.New(b)
	return c.Vault, nil
}

// readPassphrase takes the passphrase from the environment, or prompts for it with echo off
func (c *cli) readPassphrase() (string, error) {
	if p := c.conf.GetString(cst.EnvVaultPassphrase); p != "" {
		return p, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no terminal for the passphrase prompt; set %s", cst.EnvVaultPassphrase)
	}
	fmt.Fprint(c.Err, "Vault passphrase: ")
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(c.Err)
	if err != nil {
		return "", fmt.Errorf("error reading passphrase: %w", err)
	}
	if len(b) == 0 {
		return "", errors.New("empty passphrase")
	}
	return string(b), nil
}

func (c *cli) encrypt(args []string) error {
	fs := pflag.NewFlagSet("encrypt", pflag.ContinueOnError)
	saveKey := fs.String("save-key", "", "store the content key in the vault under this artifact id")
	rest, err := c.flags(fs, args)
	if err != nil {
		return err
	}
	if len(rest) != 2 {
		return errUsage
	}
	in, out := rest[0], rest[1]
	plaintext, err := ioutil.ReadFile(in)
	if err != nil {
		return fmt.Errorf("error reading %s: %w", in, err)
	}
	ck, err := crypt.GenerateContentKey()
	if err != nil {
		return err
	}
	defer ck.Zero()
	ciphertext, err := ck.Seal(plaintext)
	if err != nil {
		return err
	}
	if err := ioutil.WriteFile(out, ciphertext, fileMode); err != nil {
		return fmt.Errorf("error writing %s: %w", out, err)
	}
	if *saveKey != "" {
		if err := c.storeKey(*saveKey, ck); err != nil {
			return err
		}
	}
	// key and iv go to stdout so the owner can hand them to recipients out of band
	enc := json.NewEncoder(c.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(ck)
}

func (c *cli) storeKey(artifactID string, ck *crypt.ContentKey) error {
	v, err := c.openVault()
	if err != nil {
		return err
	}
	pass, err := c.Passphrase()
	if err != nil {
		return err
	}
	logging.WithFuncName().WithField("artifactID", artifactID).Debug("saving content key")
	return v.Store(artifactID, ck, pass)
}

func (c *cli) decrypt(args []string) error {
	fs := pflag.NewFlagSet("decrypt", pflag.ContinueOnError)
	id := fs.String("id", "", "take the content key from the vault record of this artifact id")
	key := fs.String("key", "", "base64 content key")
	iv := fs.String("iv", "", "base64 content iv")
	rest, err := c.flags(fs, args)
	if err != nil {
		return err
	}
	if len(rest) != 2 {
		return errUsage
	}
	in, out := rest[0], rest[1]
	var ck *crypt.ContentKey
	switch {
	case *id != "" && (*key != "" || *iv != ""):
		return errors.New("--id and --key/--iv are exclusive")
	case *id != "":
		if ck, err = c.loadKey(*id); err != nil {
			return err
		}
	case *key != "" && *iv != "":
		if ck, err = parseKey(*key, *iv); err != nil {
			return err
		}
	default:
		return errors.New("either --id or both --key and --iv are required")
	}
	defer ck.Zero()
	ciphertext, err := ioutil.ReadFile(in)
	if err != nil {
		return fmt.Errorf("error reading %s: %w", in, err)
	}
	plaintext, err := ck.Open(ciphertext)
	if err != nil {
		return err
	}
	if err := ioutil.WriteFile(out, plaintext, fileMode); err != nil {
		return fmt.Errorf("error writing %s: %w", out, err)
	}
	return nil
}

func (c *cli) loadKey(artifactID string) (*crypt.ContentKey, error) {
	v, err := c.openVault()
	if err != nil {
		return nil, err
	}
	pass, err := c.Passphrase()
	if err != nil {
		return nil, err
	}
	ck, err := v.Load(artifactID, pass)
	if err != nil {
		return nil, err
	}
	if ck == nil {
		return nil, fmt.Errorf("no usable key for %s in the vault; missing record or wrong passphrase", artifactID)
	}
	return ck, nil
}

func parseKey(key, iv string) (*crypt.ContentKey, error) {
	k, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("malformed --key: %w", err)
	}
	n, err := base64.StdEncoding.DecodeString(iv)
	if err != nil {
		return nil, fmt.Errorf("malformed --iv: %w", err)
	}
	ck := &crypt.ContentKey{Key: k, IV: n}
	if err := ck.Validate(); err != nil {
		return nil, err
	}
	return ck, nil
}

func (c *cli) vault(args []string) error {
	fs := pflag.NewFlagSet("vault", pflag.ContinueOnError)
	rest, err := c.flags(fs, args)
	if err != nil {
		return err
	}
	if len(rest) == 0 {
		return errUsage
	}
	v, err := c.openVault()
	if err != nil {
		return err
	}
	switch {
	case rest[0] == "list" && len(rest) == 1:
		ids, err := v.List()
		if err != nil {
			return err
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Fprintln(c.Out, id)
		}
		return nil
	case rest[0] == "remove" && len(rest) == 2:
		return v.Remove(rest[1])
	case rest[0] == "export" && len(rest) == 2:
		all, err := v.ExportAll()
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(all, "", "  ")
		if err != nil {
			return err
		}
		if err := ioutil.WriteFile(rest[1], data, fileMode); err != nil {
			return fmt.Errorf("error writing %s: %w", rest[1], err)
		}
		fmt.Fprintf(c.Out, "exported %d records\n", len(all))
		return nil
	case rest[0] == "import" && len(rest) == 2:
		data, err := ioutil.ReadFile(rest[1])
		if err != nil {
			return fmt.Errorf("error reading %s: %w", rest[1], err)
		}
		m := map[string]keyvault.Envelope{}
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("malformed vault export %s: %w", rest[1], err)
		}
		n, err := v.ImportAll(m)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.Out, "imported %d records\n", n)
		return nil
	}
	return errUsage
}
