// Package remotefile provides an item that manages the content of a file on
// a remote host over SFTP.
package remotefile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/openfroyo/peace/pkg/access"
	"github.com/openfroyo/peace/pkg/item"
	"github.com/openfroyo/peace/pkg/items/file"
	"github.com/openfroyo/peace/pkg/params"
	"github.com/openfroyo/peace/pkg/progress"
	"github.com/openfroyo/peace/pkg/resources"
	"github.com/openfroyo/peace/pkg/transports/ssh"
)

// Kind is the item kind used in flow definitions.
const Kind = "remote_file"

// Params of a remote file item.
type Params struct {
	Host           string `yaml:"host" json:"host"`
	Port           int    `yaml:"port,omitempty" json:"port,omitempty"`
	User           string `yaml:"user" json:"user"`
	PrivateKeyPath string `yaml:"private_key_path,omitempty" json:"private_key_path,omitempty"`
	// PasswordEnv names an environment variable holding the password.
	PasswordEnv string `yaml:"password_env,omitempty" json:"password_env,omitempty"`
	// KnownHostsPath enables strict host key checking when set.
	KnownHostsPath string `yaml:"known_hosts_path,omitempty" json:"known_hosts_path,omitempty"`

	Path    string `yaml:"path" json:"path"`
	Content string `yaml:"content" json:"content"`
	Mode    string `yaml:"mode,omitempty" json:"mode,omitempty"`
}

// SSHConfig builds the connection config for the params' host.
func (p Params) SSHConfig() *ssh.Config {
	c := ssh.Config{
		Host:           p.Host,
		Port:           p.Port,
		User:           p.User,
		PrivateKeyPath: p.PrivateKeyPath,
		KnownHostsPath: p.KnownHostsPath,
	}
	if p.PasswordEnv != "" {
		c.Password = os.Getenv(p.PasswordEnv)
	}
	cfg := c.WithDefaults()
	cfg.StrictHostKeyChecking = p.KnownHostsPath != ""
	return cfg
}

func (p Params) local() file.Params {
	return file.Params{Path: p.Path, Content: p.Content, Mode: p.Mode}
}

// State is a file state on a host.
type State struct {
	Host       string `yaml:"host" json:"host"`
	file.State `yaml:",inline"`
}

// Equal compares host and file state.
func (s State) Equal(o State) bool {
	return s.Host == o.Host && s.State.Equal(o.State)
}

func (s State) String() string {
	return s.Host + ":" + s.State.String()
}

// Diff between two remote file states.
type Diff struct {
	Host      string `yaml:"host" json:"host"`
	file.Diff `yaml:",inline"`
}

func (d Diff) String() string {
	return d.Host + ": " + d.Diff.String()
}

// RemoteFS is the set of file operations the item needs on a host.
type RemoteFS interface {
	Stat(ctx context.Context, path string) (ssh.FileInfo, error)
	Checksum(ctx context.Context, path string) (string, error)
	WriteFile(ctx context.Context, path string, r io.Reader, mode uint32, onWrite func(n int)) (int64, error)
	Chmod(ctx context.Context, path string, mode uint32) error
	Remove(ctx context.Context, path string) error
}

// Connector opens a RemoteFS for a host.
type Connector interface {
	Connect(ctx context.Context, cfg *ssh.Config) (RemoteFS, error)
}

type poolConnector struct {
	pool *ssh.Pool
}

func (c poolConnector) Connect(ctx context.Context, cfg *ssh.Config) (RemoteFS, error) {
	return c.pool.Get(ctx, cfg)
}

// Connections is the resource remote file items open hosts through.
type Connections struct {
	connector Connector
	pool      *ssh.Pool
}

// NewConnections uses connector to reach hosts.
func NewConnections(connector Connector) *Connections {
	return &Connections{connector: connector}
}

// NewSSHConnections reaches hosts through a pool of SSH clients.
func NewSSHConnections() *Connections {
	pool := ssh.NewPool()
	return &Connections{connector: poolConnector{pool: pool}, pool: pool}
}

// Open returns the file system of the host in p.
func (c *Connections) Open(ctx context.Context, p Params) (RemoteFS, error) {
	fsys, err := c.connector.Connect(ctx, p.SSHConfig())
	if err != nil {
		return nil, transportError(err)
	}
	return fsys, nil
}

// Close closes pooled connections.
func (c *Connections) Close() error {
	if c.pool == nil {
		return nil
	}
	return c.pool.Close()
}

// transportError maps transport errors onto engine errors so the scheduler
// sees their class.
func transportError(err error) error {
	var tErr *ssh.TransportError
	if errors.As(err, &tErr) {
		return tErr.EngineError()
	}
	return err
}

// Data is what a remote file item reads from the resource store.
type Data struct {
	Conns access.R[*Connections]
}

// Item writes Params.Content to Params.Path on Params.Host.
type Item struct {
	id resources.ItemID
}

// New returns a remote file item ready to be added to a flow.
func New(id resources.ItemID) *item.Wrapper[Params, State, Diff, Data] {
	return item.Wrap[Params, State, Diff, Data](&Item{id: id})
}

func (f *Item) ID() resources.ItemID { return f.id }

// Setup inserts SSH backed Connections unless some are already present.
func (f *Item) Setup(r *resources.Resources) error {
	if !resources.Contains[*Connections](r) {
		resources.Insert(r, NewSSHConnections())
	}
	return nil
}

func ctxOf(fc item.FnCtx) context.Context {
	if fc.Context == nil {
		return context.Background()
	}
	return fc.Context
}

func read(ctx context.Context, fsys RemoteFS, host, path string) (State, error) {
	info, err := fsys.Stat(ctx, path)
	if err != nil {
		return State{}, transportError(err)
	}
	s := State{Host: host, State: file.State{Path: path}}
	if !info.Exists {
		return s, nil
	}
	sum, err := fsys.Checksum(ctx, path)
	if err != nil {
		return State{}, transportError(err)
	}
	s.Exists = true
	s.Size = info.Size
	s.Checksum = sum
	s.Mode = fmt.Sprintf("%04o", info.Mode)
	return s, nil
}

func (f *Item) current(fc item.FnCtx, p Params, d Data) (State, error) {
	ctx := ctxOf(fc)
	fsys, err := d.Conns.Get().Open(ctx, p)
	if err != nil {
		return State{}, err
	}
	return read(ctx, fsys, p.Host, p.Path)
}

func (f *Item) TryStateCurrent(fc item.FnCtx, p params.Partial[Params], d Data) (State, bool, error) {
	if p.Value.Host == "" || p.Value.Path == "" {
		return State{}, false, nil
	}
	s, err := f.current(fc, p.Value, d)
	return s, err == nil, err
}

func (f *Item) StateCurrent(fc item.FnCtx, p Params, d Data) (State, error) {
	return f.current(fc, p, d)
}

func goal(p Params) (State, error) {
	s, err := file.Goal(p.local())
	if err != nil {
		return State{}, err
	}
	return State{Host: p.Host, State: s}, nil
}

func (f *Item) TryStateGoal(fc item.FnCtx, p params.Partial[Params], d Data) (State, bool, error) {
	if !p.IsComplete() {
		return State{}, false, nil
	}
	s, err := goal(p.Value)
	return s, err == nil, err
}

func (f *Item) StateGoal(fc item.FnCtx, p Params, d Data) (State, error) {
	return goal(p)
}

func (f *Item) StateDiff(p params.Partial[Params], d Data, from, to State) (Diff, error) {
	host := to.Host
	if host == "" {
		host = from.Host
	}
	return Diff{Host: host, Diff: file.Compare(from.State, to.State)}, nil
}

func (f *Item) StateClean(p params.Partial[Params], d Data) (State, error) {
	return State{Host: p.Value.Host, State: file.State{Path: p.Value.Path}}, nil
}

func (f *Item) ApplyCheck(p Params, d Data, current, target State, diff Diff) (item.ApplyCheck, error) {
	switch diff.Kind {
	case file.DiffCreate, file.DiffChange:
		return item.ExecRequired(progress.Bytes(uint64(len(p.Content)))), nil
	case file.DiffModeOnly, file.DiffDelete:
		return item.ExecRequired(progress.Steps(1)), nil
	default:
		return item.ExecNotRequired(), nil
	}
}

func (f *Item) ApplyDry(fc item.FnCtx, p Params, d Data, current, target State, diff Diff) (State, error) {
	return target, nil
}

func (f *Item) Apply(fc item.FnCtx, p Params, d Data, current, target State, diff Diff) (State, error) {
	ctx := ctxOf(fc)
	fsys, err := d.Conns.Get().Open(ctx, p)
	if err != nil {
		return current, err
	}

	mode, err := p.local().FileMode()
	if err != nil {
		return current, err
	}

	switch diff.Kind {
	case file.DiffDelete:
		if err := fsys.Remove(ctx, current.Path); err != nil {
			return current, transportError(err)
		}
		fc.Progress.Inc(1, "removed")
	case file.DiffModeOnly:
		if err := fsys.Chmod(ctx, p.Path, uint32(mode)); err != nil {
			return current, transportError(err)
		}
		fc.Progress.Inc(1, "mode set")
	case file.DiffCreate, file.DiffChange:
		onWrite := func(n int) { fc.Progress.Inc(uint64(n), "uploading") }
		if _, err := fsys.WriteFile(ctx, p.Path, strings.NewReader(p.Content), uint32(mode), onWrite); err != nil {
			return current, transportError(err)
		}
	}
	return read(ctx, fsys, target.Host, target.Path)
}
