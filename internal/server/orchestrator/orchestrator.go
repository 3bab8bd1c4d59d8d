// Package orchestrator provisions servers and runs lifecycle operations
// against them.
package orchestrator

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/atvirokodosprendimai/devforge/internal/bootscript"
	"github.com/atvirokodosprendimai/devforge/internal/config"
	"github.com/atvirokodosprendimai/devforge/internal/db"
	"github.com/atvirokodosprendimai/devforge/internal/mesh"
	"github.com/atvirokodosprendimai/devforge/internal/messaging"
	"github.com/atvirokodosprendimai/devforge/internal/metrics"
	"github.com/atvirokodosprendimai/devforge/internal/provider"
	"github.com/atvirokodosprendimai/devforge/internal/rmp"
	"github.com/atvirokodosprendimai/devforge/internal/spec"
	"github.com/atvirokodosprendimai/devforge/internal/vault"
	"go.uber.org/zap"
)

// Store is the persistence the orchestrator needs. *db.Store implements it.
type Store interface {
	GetUser(ctx context.Context, id string) (*db.User, error)
	CreateServer(ctx context.Context, server *db.Server) error
	GetServer(ctx context.Context, id string) (*db.Server, error)
	ListServersByStatus(ctx context.Context, status spec.Status) ([]db.Server, error)
	PatchServer(ctx context.Context, id string, patch db.ServerPatch) error
	TransitionStatus(ctx context.Context, id string, to spec.Status, message string) error
	AppendLog(ctx context.Context, serverID, step string, status spec.StepStatus, message string) error
	DeleteServer(ctx context.Context, id string) error
}

// Scheduler runs a poll task later. *messaging.Scheduler implements it.
type Scheduler interface {
	RunAfter(delay time.Duration, task messaging.PollTask) error
}

// Events receives status changes. *messaging.Events implements it.
type Events interface {
	Publish(ev messaging.ServerEvent)
}

var (
	_ Store     = (*db.Store)(nil)
	_ Scheduler = (*messaging.Scheduler)(nil)
	_ Events    = (*messaging.Events)(nil)
)

// Deps wires an Orchestrator. Events, Metrics and HTTPClient may be nil.
type Deps struct {
	Store      Store
	Vault      *vault.Vault
	Provider   provider.Provider
	Mesh       mesh.Mesh
	Scheduler  Scheduler
	Events     Events
	Metrics    *metrics.Metrics
	Config     config.Config
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client
}

// Orchestrator drives provisioning and lifecycle operations.
type Orchestrator struct {
	store      Store
	vault      *vault.Vault
	provider   provider.Provider
	mesh       mesh.Mesh
	scheduler  Scheduler
	events     Events
	metrics    *metrics.Metrics
	cfg        config.Config
	log        *zap.SugaredLogger
	httpClient *http.Client
	scripts    *bootscript.Generator
}

// New creates an Orchestrator.
func New(d Deps) *Orchestrator {
	httpClient := d.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	scripts := &bootscript.Generator{
		Username:           d.Config.Username,
		AgentURL:           d.Config.AgentDownloadURL,
		TTYDURL:            d.Config.TTYDDownloadURL,
		RestrictManagement: d.Config.RestrictManagement,
	}
	return &Orchestrator{
		store:      d.Store,
		vault:      d.Vault,
		provider:   d.Provider,
		mesh:       d.Mesh,
		scheduler:  d.Scheduler,
		events:     d.Events,
		metrics:    d.Metrics,
		cfg:        d.Config,
		log:        d.Logger,
		httpClient: httpClient,
		scripts:    scripts,
	}
}

const (
	nameAlphabet     = "abcdefghijklmnopqrstuvwxyz0123456789"
	passwordAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	passwordLength   = 24
)

// randomString samples n characters of alphabet uniformly.
func randomString(alphabet string, n int) (string, error) {
	limit := big.NewInt(int64(len(alphabet)))
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("failed to read random bytes: %w", err)
		}
		out[i] = alphabet[idx.Int64()]
	}
	return string(out), nil
}

// reveal opens a sealed secret. Values that are not sealed are legacy
// plaintext and returned as is; a broken key is always an error.
func (o *Orchestrator) reveal(value string) (string, error) {
	plaintext, err := o.vault.Unseal(value)
	if errors.Is(err, vault.ErrInvalidKey) {
		return "", err
	}
	if err != nil {
		return value, nil
	}
	return plaintext, nil
}

func (o *Orchestrator) logStep(ctx context.Context, serverID, step string, status spec.StepStatus, message string) {
	o.metrics.ObserveStep(step, string(status))
	if err := o.store.AppendLog(ctx, serverID, step, status, message); err != nil {
		o.log.Errorw("Failed to append provisioning log", "server_id", serverID, "step", step, "error", err)
	}
}

func (o *Orchestrator) transition(ctx context.Context, srv *db.Server, to spec.Status, message string) error {
	if err := o.store.TransitionStatus(ctx, srv.ID, to, message); err != nil {
		return err
	}
	o.log.Infow("Server status changed", "server_id", srv.ID, "status", to, "message", message)
	if o.events != nil {
		o.events.Publish(messaging.ServerEvent{
			ServerID:  srv.ID,
			UserID:    srv.UserID,
			Status:    to,
			Message:   message,
			Timestamp: time.Now().UTC(),
		})
	}
	return nil
}

// fail moves a server to error. The failure itself was already logged.
func (o *Orchestrator) fail(ctx context.Context, srv *db.Server, message string) {
	if err := o.transition(ctx, srv, spec.StatusError, message); err != nil {
		o.log.Errorw("Failed to mark server as failed", "server_id", srv.ID, "error", err)
	}
}

func (o *Orchestrator) resolvePorts(overrides map[spec.Agent]int) (spec.Ports, error) {
	return o.cfg.Ports.WithOverrides(overrides)
}

// Provision creates a server record and runs provisioning up to the point
// where the machine installs itself. Failures of the mesh or the provider
// are recorded on the server, not returned; the returned error covers
// validation, missing credentials and storage only. The run is detached
// from ctx cancellation so a caller going away cannot strand a machine.
func (o *Orchestrator) Provision(ctx context.Context, userID string, req spec.ProvisionRequest) (string, error) {
	ctx = context.WithoutCancel(ctx)
	region, err := spec.ParseRegion(req.Region)
	if err != nil {
		return "", invalid("region", err)
	}
	serverType, err := spec.ParseServerType(req.ServerType)
	if err != nil {
		return "", invalid("server_type", err)
	}
	agents, err := spec.NormalizeAgents(req.Agents)
	if err != nil {
		return "", invalid("agents", err)
	}
	ports, err := o.resolvePorts(req.Ports)
	if err != nil {
		return "", invalid("ports", err)
	}

	user, err := o.store.GetUser(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("failed to load user %s: %w", userID, err)
	}
	if user.ProviderAPIKey == "" || user.MeshAPIKey == "" || user.MeshNetwork == "" {
		return "", ErrMissingCredentials
	}
	providerKey, err := o.reveal(user.ProviderAPIKey)
	if err != nil {
		return "", err
	}
	meshKey, err := o.reveal(user.MeshAPIKey)
	if err != nil {
		return "", err
	}

	suffix, err := randomString(nameAlphabet, 8)
	if err != nil {
		return "", err
	}
	name := "devforge-" + suffix
	password, err := randomString(passwordAlphabet, passwordLength)
	if err != nil {
		return "", err
	}
	sealed, err := o.vault.Seal(password)
	if err != nil {
		return "", err
	}

	srv := &db.Server{
		UserID:        userID,
		Region:        region,
		ServerType:    serverType,
		Agents:        agents,
		Username:      o.cfg.Username,
		Password:      sealed,
		Status:        spec.StatusProvisioning,
		StatusMessage: "Starting provisioning...",
	}
	srv.SetPorts(ports)
	if err := o.store.CreateServer(ctx, srv); err != nil {
		return "", err
	}
	log := o.log.With("server_id", srv.ID, "name", name)
	log.Infow("Provisioning server", "region", region, "server_type", serverType, "agents", agents)

	// Mesh join token.
	o.logStep(ctx, srv.ID, spec.StepMeshAuthKey, spec.StepRunning, "Creating mesh auth key...")
	joinToken, err := o.mesh.CreateJoinToken(ctx, meshKey, user.MeshNetwork, name)
	if err != nil {
		log.Errorw("Mesh auth key failed", "error", err)
		o.logStep(ctx, srv.ID, spec.StepMeshAuthKey, spec.StepError, err.Error())
		o.fail(ctx, srv, "Failed to create mesh auth key")
		return srv.ID, nil
	}
	dnsSuffix, err := o.mesh.ResolveDNSSuffix(ctx, meshKey, user.MeshNetwork)
	if err != nil {
		log.Debugw("Mesh DNS suffix lookup failed, using fallback", "fallback", mesh.FallbackDNSSuffix, "error", err)
	}
	if dnsSuffix == "" {
		dnsSuffix = mesh.FallbackDNSSuffix
	}
	o.logStep(ctx, srv.ID, spec.StepMeshAuthKey, spec.StepSuccess, "Mesh auth key created")

	// Machine.
	o.logStep(ctx, srv.ID, spec.StepCreateMachine, spec.StepRunning, "Creating machine...")
	script, err := o.scripts.Render(bootscript.Params{
		ServerName: name,
		JoinToken:  joinToken,
		Agents:     agents,
		Password:   password,
		Ports:      ports,
	})
	if err != nil {
		log.Errorw("Boot script rendering failed", "error", err)
		o.logStep(ctx, srv.ID, spec.StepCreateMachine, spec.StepError, err.Error())
		o.fail(ctx, srv, "Failed to create machine")
		return srv.ID, nil
	}
	machine, err := o.provider.CreateMachine(ctx, providerKey, provider.CreateRequest{
		Name:       name,
		ServerType: string(serverType),
		Region:     string(region),
		UserData:   script,
	})
	if err != nil {
		log.Errorw("Machine creation failed", "error", err)
		o.logStep(ctx, srv.ID, spec.StepCreateMachine, spec.StepError, err.Error())
		o.fail(ctx, srv, "Failed to create machine")
		return srv.ID, nil
	}
	o.logStep(ctx, srv.ID, spec.StepCreateMachine, spec.StepSuccess, "Machine ID: "+machine.ID)

	domain := name + "." + dnsSuffix
	if err := o.store.PatchServer(ctx, srv.ID, db.ServerPatch{
		MachineID:  &machine.ID,
		PublicIP:   &machine.PublicIPv4,
		MeshName:   &name,
		MeshDomain: &domain,
	}); err != nil {
		// Without a stored machine id nothing could delete the machine later.
		o.abandonMachine(ctx, srv, machine.ID)
		if superseded(err) {
			log.Warnw("Server deleted while the machine was being created", "machine_id", machine.ID)
			return srv.ID, nil
		}
		o.logStep(ctx, srv.ID, spec.StepCreateMachine, spec.StepError, err.Error())
		o.fail(ctx, srv, "Failed to create machine")
		return srv.ID, err
	}
	if err := o.transition(ctx, srv, spec.StatusInstalling, "Machine created, installing software..."); err != nil {
		if superseded(err) {
			log.Warnw("Server left provisioning before the machine was up", "machine_id", machine.ID, "error", err)
			o.abandonMachine(ctx, srv, machine.ID)
			return srv.ID, nil
		}
		return srv.ID, err
	}
	o.logStep(ctx, srv.ID, spec.StepSoftwareInstall, spec.StepRunning, "Waiting for setup to complete...")

	task := messaging.PollTask{ServerID: srv.ID, Address: machine.PublicIPv4, Attempt: 1}
	o.schedule(ctx, srv, task)
	return srv.ID, nil
}

// abandonMachine deletes a machine whose record can no longer track it.
func (o *Orchestrator) abandonMachine(ctx context.Context, srv *db.Server, machineID string) {
	orphan := *srv
	orphan.MachineID = machineID
	o.deleteMachine(ctx, &orphan)
}

// schedule arms the next readiness poll. A scheduler shut down with the
// control plane leaves the record installing for Resume; any other failure
// ends the run in error.
func (o *Orchestrator) schedule(ctx context.Context, srv *db.Server, task messaging.PollTask) bool {
	err := o.scheduler.RunAfter(o.cfg.PollDelay, task)
	if err == nil {
		return true
	}
	if errors.Is(err, messaging.ErrSchedulerStopped) {
		o.log.Warnw("Scheduler stopped, poll left for resume", "server_id", srv.ID, "attempt", task.Attempt)
		return false
	}
	o.log.Errorw("Scheduling readiness poll failed", "server_id", srv.ID, "attempt", task.Attempt, "error", err)
	o.logStep(ctx, srv.ID, spec.StepSoftwareInstall, spec.StepError, err.Error())
	o.fail(ctx, srv, "Failed to schedule readiness check")
	return false
}

// Resume re-arms readiness polls for servers left installing, for example
// across a control-plane restart. The attempt number is derived from the
// time spent installing so the overall ceiling still holds.
func (o *Orchestrator) Resume(ctx context.Context) (int, error) {
	servers, err := o.store.ListServersByStatus(ctx, spec.StatusInstalling)
	if err != nil {
		return 0, err
	}
	resumed := 0
	for i := range servers {
		srv := &servers[i]
		attempt := int(time.Since(srv.UpdatedAt)/o.cfg.PollDelay) + 1
		if attempt < 1 {
			attempt = 1
		}
		if attempt > o.cfg.MaxPollAttempts {
			attempt = o.cfg.MaxPollAttempts
		}
		task := messaging.PollTask{ServerID: srv.ID, Address: srv.PublicIP, Attempt: attempt}
		if o.schedule(ctx, srv, task) {
			resumed++
			o.log.Infow("Resumed readiness poll", "server_id", srv.ID, "attempt", attempt)
		}
	}
	return resumed, nil
}

// Poll runs one readiness attempt. A task for a server that is gone or no
// longer installing does nothing.
func (o *Orchestrator) Poll(ctx context.Context, task messaging.PollTask) error {
	srv, err := o.store.GetServer(ctx, task.ServerID)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if srv.Status != spec.StatusInstalling {
		o.log.Debugw("Dropping stale poll", "server_id", srv.ID, "status", srv.Status, "attempt", task.Attempt)
		return nil
	}

	checkCtx, cancel := context.WithTimeout(ctx, o.cfg.CheckTimeout)
	ready, _ := rmp.NewClient(task.Address, o.cfg.Ports.Management, "", o.httpClient).Ready(checkCtx)
	cancel()

	if ready {
		o.logStep(ctx, srv.ID, spec.StepSoftwareInstall, spec.StepSuccess, "Setup complete")
		if err := o.transition(ctx, srv, spec.StatusRunning, "Server is ready"); err != nil && !superseded(err) {
			return err
		}
		return nil
	}

	if task.Attempt >= o.cfg.MaxPollAttempts {
		o.logStep(ctx, srv.ID, spec.StepSoftwareInstall, spec.StepError, "Timed out waiting for setup to complete")
		msg := "Setup timed out after " + humanDuration(o.cfg.PollDelay*time.Duration(o.cfg.MaxPollAttempts))
		if err := o.transition(ctx, srv, spec.StatusError, msg); err != nil && !superseded(err) {
			return err
		}
		return nil
	}

	next := task
	next.Attempt++
	o.schedule(ctx, srv, next)
	return nil
}

// HandlePoll adapts Poll to the messaging subscriber.
func (o *Orchestrator) HandlePoll(ctx context.Context, task messaging.PollTask) {
	if err := o.Poll(ctx, task); err != nil {
		o.log.Errorw("Readiness poll failed", "server_id", task.ServerID, "attempt", task.Attempt, "error", err)
	}
}

// superseded reports whether a status write lost to a concurrent change.
func superseded(err error) bool {
	return errors.Is(err, db.ErrNotFound) || errors.Is(err, db.ErrInvalidTransition)
}

func humanDuration(d time.Duration) string {
	if d >= time.Minute && d%time.Minute == 0 {
		if d == time.Minute {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", int(d/time.Minute))
	}
	return d.String()
}
