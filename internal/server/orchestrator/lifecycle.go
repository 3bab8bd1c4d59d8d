package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/atvirokodosprendimai/devforge/internal/db"
	"github.com/atvirokodosprendimai/devforge/internal/rmp"
	"github.com/atvirokodosprendimai/devforge/internal/spec"
)

// owned loads serverID and checks it belongs to userID.
func (o *Orchestrator) owned(ctx context.Context, userID, serverID string) (*db.Server, error) {
	srv, err := o.store.GetServer(ctx, serverID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if srv.UserID != userID {
		return nil, ErrNotFound
	}
	return srv, nil
}

func (o *Orchestrator) running(ctx context.Context, userID, serverID string) (*db.Server, error) {
	srv, err := o.owned(ctx, userID, serverID)
	if err != nil {
		return nil, err
	}
	if srv.Status != spec.StatusRunning {
		return nil, ErrNotRunning
	}
	return srv, nil
}

func (o *Orchestrator) management(srv *db.Server) (*rmp.Client, error) {
	token, err := o.reveal(srv.Password)
	if err != nil {
		return nil, err
	}
	return rmp.NewClient(srv.PublicIP, o.cfg.Ports.Management, token, o.httpClient), nil
}

// InstallAgent installs agentName on a running server and records it.
func (o *Orchestrator) InstallAgent(ctx context.Context, userID, serverID, agentName string) error {
	agent, err := spec.ParseAgent(agentName)
	if err != nil {
		return invalid("agent", err)
	}
	srv, err := o.running(ctx, userID, serverID)
	if err != nil {
		return err
	}
	if spec.Contains(srv.Agents, agent) {
		return ErrAgentInstalled
	}
	client, err := o.management(srv)
	if err != nil {
		return err
	}

	step := spec.StepInstallAgent(agent)
	o.logStep(ctx, srv.ID, step, spec.StepRunning, "Installing "+string(agent)+"...")
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.InstallTimeout)
	defer cancel()
	if err := client.Install(callCtx, string(agent)); err != nil {
		err = managementError("install", err)
		o.logStep(ctx, srv.ID, step, spec.StepError, err.Error())
		return err
	}

	agents := append(append([]spec.Agent{}, srv.Agents...), agent)
	if err := o.store.PatchServer(ctx, srv.ID, db.ServerPatch{Agents: &agents}); err != nil {
		return err
	}
	o.logStep(ctx, srv.ID, step, spec.StepSuccess, string(agent)+" installed")
	o.log.Infow("Agent installed", "server_id", srv.ID, "agent", agent)
	return nil
}

// UninstallAgent stops agentName on a running server and records it.
func (o *Orchestrator) UninstallAgent(ctx context.Context, userID, serverID, agentName string) error {
	agent, err := spec.ParseAgent(agentName)
	if err != nil {
		return invalid("agent", err)
	}
	srv, err := o.running(ctx, userID, serverID)
	if err != nil {
		return err
	}
	if !spec.Contains(srv.Agents, agent) {
		return ErrAgentNotInstalled
	}
	client, err := o.management(srv)
	if err != nil {
		return err
	}

	step := spec.StepUninstallAgent(agent)
	o.logStep(ctx, srv.ID, step, spec.StepRunning, "Uninstalling "+string(agent)+"...")
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.UninstallTimeout)
	defer cancel()
	if err := client.Uninstall(callCtx, string(agent)); err != nil {
		err = managementError("uninstall", err)
		o.logStep(ctx, srv.ID, step, spec.StepError, err.Error())
		return err
	}

	agents := spec.Without(srv.Agents, agent)
	if err := o.store.PatchServer(ctx, srv.ID, db.ServerPatch{Agents: &agents}); err != nil {
		return err
	}
	o.logStep(ctx, srv.ID, step, spec.StepSuccess, string(agent)+" uninstalled")
	o.log.Infow("Agent uninstalled", "server_id", srv.ID, "agent", agent)
	return nil
}

// ResetCredentials rotates the shared login of a running server.
func (o *Orchestrator) ResetCredentials(ctx context.Context, userID, serverID, username, password string) error {
	if err := rmp.ValidateCredentials(username, password); err != nil {
		return invalid("credentials", err)
	}
	srv, err := o.running(ctx, userID, serverID)
	if err != nil {
		return err
	}
	client, err := o.management(srv)
	if err != nil {
		return err
	}
	sealed, err := o.vault.Seal(password)
	if err != nil {
		return err
	}

	o.logStep(ctx, srv.ID, spec.StepResetCredential, spec.StepRunning, "Resetting credentials...")
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.ResetTimeout)
	defer cancel()
	if err := client.ResetCredentials(callCtx, username, password); err != nil {
		err = managementError("reset credentials", err)
		o.logStep(ctx, srv.ID, spec.StepResetCredential, spec.StepError, err.Error())
		return err
	}

	if err := o.store.PatchServer(ctx, srv.ID, db.ServerPatch{Username: &username, Password: &sealed}); err != nil {
		return err
	}
	o.logStep(ctx, srv.ID, spec.StepResetCredential, spec.StepSuccess, "Credentials updated")
	o.log.Infow("Credentials reset", "server_id", srv.ID, "username", username)
	return nil
}

// AgentStatus asks a running server for its live agent states.
func (o *Orchestrator) AgentStatus(ctx context.Context, userID, serverID string) (rmp.StatusResponse, error) {
	srv, err := o.running(ctx, userID, serverID)
	if err != nil {
		return rmp.StatusResponse{}, err
	}
	client, err := o.management(srv)
	if err != nil {
		return rmp.StatusResponse{}, err
	}
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.CheckTimeout)
	defer cancel()
	status, err := client.Status(callCtx)
	if err != nil {
		return rmp.StatusResponse{}, managementError("status", err)
	}
	return status, nil
}

// deleteTimeout bounds the provider call during deletion.
const deleteTimeout = 30 * time.Second

// Delete tears a server down. The provider machine is deleted on a best
// effort basis; the record and its logs are always removed. Mesh devices
// are left to expire.
func (o *Orchestrator) Delete(ctx context.Context, userID, serverID string) error {
	srv, err := o.owned(ctx, userID, serverID)
	if err != nil {
		return err
	}
	log := o.log.With("server_id", srv.ID)

	if srv.Status != spec.StatusDeleting {
		if err := o.transition(ctx, srv, spec.StatusDeleting, "Deleting server..."); err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return ErrNotFound
			}
			return err
		}
	}

	if srv.MachineID != "" {
		o.deleteMachine(ctx, srv)
	}

	if err := o.store.DeleteServer(ctx, srv.ID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil
		}
		return err
	}
	log.Infow("Server deleted", "machine_id", srv.MachineID)
	return nil
}

func (o *Orchestrator) deleteMachine(ctx context.Context, srv *db.Server) {
	user, err := o.store.GetUser(ctx, srv.UserID)
	if err != nil || user.ProviderAPIKey == "" {
		o.log.Warnw("No provider key to delete machine", "server_id", srv.ID, "machine_id", srv.MachineID)
		return
	}
	key, err := o.reveal(user.ProviderAPIKey)
	if err != nil {
		o.log.Errorw("Failed to open provider key", "server_id", srv.ID, "error", err)
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, deleteTimeout)
	defer cancel()
	if err := o.provider.DeleteMachine(callCtx, key, srv.MachineID); err != nil {
		o.log.Errorw("Failed to delete machine", "server_id", srv.ID, "machine_id", srv.MachineID, "error", err)
	}
}
