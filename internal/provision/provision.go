// Package provision brings an empty database to a runnable state: system
// tables, right types, the default tenant, the admin account, a schema sync
// and the admin group's grants. Every step checks before it writes, so the
// whole run is idempotent and safe on every startup.
package provision

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"lattice-backend/internal/clock"
	"lattice-backend/internal/rights"
	"lattice-backend/internal/schemasync"
	"lattice-backend/internal/store"
)

const (
	DefaultTenantName = "default"
	AdminGroupName    = "Administrators"
	AdminUsername     = "admin"
)

var rightTypeNames = map[int]string{
	1: "View",
	2: "Add",
	3: "Edit",
	4: "Remove",
	5: "Execute",
}

type Provisioner struct {
	store         *store.Store
	sync          *schemasync.Synchronizer
	clock         clock.Clock
	adminPassword string
}

func New(s *store.Store, sync *schemasync.Synchronizer, clk clock.Clock, adminPassword string) *Provisioner {
	return &Provisioner{store: s, sync: sync, clock: clk, adminPassword: adminPassword}
}

// Run executes the full provisioning sequence.
func (p *Provisioner) Run(ctx context.Context) error {
	if err := p.createSystemTables(ctx); err != nil {
		return err
	}
	if err := p.seedRightTypes(ctx); err != nil {
		return err
	}
	tenantID, err := p.ensureTenant(ctx)
	if err != nil {
		return err
	}
	groupID, err := p.ensureAdminGroup(ctx, tenantID)
	if err != nil {
		return err
	}
	if err := p.ensureAdminUser(ctx, tenantID, groupID); err != nil {
		return err
	}
	if _, err := p.sync.Synchronize(ctx, ""); err != nil {
		return fmt.Errorf("provisioning schema sync: %w", err)
	}
	if err := p.grantAdminRights(ctx, tenantID, groupID); err != nil {
		return err
	}
	return nil
}

func (p *Provisioner) createSystemTables(ctx context.Context) error {
	return p.store.CreateSystemTables(ctx)
}

func (p *Provisioner) seedRightTypes(ctx context.Context) error {
	d := p.store.Dialect
	for id := 1; id <= 5; id++ {
		rows, err := store.QueryRows(ctx, p.store.DB,
			`SELECT id FROM _right_types WHERE id = `+d.Placeholder(1), id)
		if err != nil {
			return fmt.Errorf("lookup right type %d: %w", id, err)
		}
		if len(rows) > 0 {
			continue
		}
		pb := d.NewParamBuilder()
		_, err = store.Exec(ctx, p.store.DB,
			fmt.Sprintf(`INSERT INTO _right_types (id, name) VALUES (%s, %s)`,
				pb.Add(id), pb.Add(rightTypeNames[id])),
			pb.Params()...)
		if err != nil {
			return fmt.Errorf("seed right type %d: %w", id, err)
		}
	}
	return nil
}

func (p *Provisioner) ensureTenant(ctx context.Context) (string, error) {
	d := p.store.Dialect
	rows, err := store.QueryRows(ctx, p.store.DB,
		`SELECT id FROM _tenants WHERE name = `+d.Placeholder(1), DefaultTenantName)
	if err != nil {
		return "", fmt.Errorf("lookup default tenant: %w", err)
	}
	if len(rows) > 0 {
		return store.RowString(rows[0], "id"), nil
	}

	id := uuid.NewString()
	pb := d.NewParamBuilder()
	_, err = store.Exec(ctx, p.store.DB,
		fmt.Sprintf(`INSERT INTO _tenants (id, name, created_at) VALUES (%s, %s, %s)`,
			pb.Add(id), pb.Add(DefaultTenantName), pb.Add(p.clock.UtcNow())),
		pb.Params()...)
	if err != nil {
		return "", fmt.Errorf("create default tenant: %w", err)
	}
	log.Printf("INFO provisioned default tenant")
	return id, nil
}

func (p *Provisioner) ensureAdminGroup(ctx context.Context, tenantID string) (string, error) {
	d := p.store.Dialect
	rows, err := store.QueryRows(ctx, p.store.DB,
		`SELECT id FROM _groups WHERE tenant_id = `+d.Placeholder(1)+` AND name = `+d.Placeholder(2),
		tenantID, AdminGroupName)
	if err != nil {
		return "", fmt.Errorf("lookup admin group: %w", err)
	}
	if len(rows) > 0 {
		return store.RowString(rows[0], "id"), nil
	}

	id := uuid.NewString()
	pb := d.NewParamBuilder()
	_, err = store.Exec(ctx, p.store.DB,
		fmt.Sprintf(`INSERT INTO _groups (id, tenant_id, name, deleted, created_at) VALUES (%s, %s, %s, %s, %s)`,
			pb.Add(id), pb.Add(tenantID), pb.Add(AdminGroupName), pb.Add(false), pb.Add(p.clock.UtcNow())),
		pb.Params()...)
	if err != nil {
		return "", fmt.Errorf("create admin group: %w", err)
	}
	return id, nil
}

// ensureAdminUser seeds the admin account only when no user exists at all,
// so a wiped _users table on a live system is noticed rather than silently
// repaired with a default password.
func (p *Provisioner) ensureAdminUser(ctx context.Context, tenantID, groupID string) error {
	d := p.store.Dialect
	countRow, err := store.QueryRow(ctx, p.store.DB, `SELECT COUNT(*) AS total FROM _users`)
	if err != nil {
		return fmt.Errorf("count users: %w", err)
	}
	if store.RowInt(countRow, "total") > 0 {
		return nil
	}

	if p.adminPassword == "" {
		return fmt.Errorf("no users exist and no admin password configured")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(p.adminPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	userID := uuid.NewString()
	pb := d.NewParamBuilder()
	_, err = store.Exec(ctx, p.store.DB, fmt.Sprintf(
		`INSERT INTO _users (id, tenant_id, username, password_hash, roles, active, deleted, created_at, updated_at)
		 VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		pb.Add(userID), pb.Add(tenantID), pb.Add(AdminUsername), pb.Add(string(hash)),
		pb.Add(d.ArrayParam([]string{"admin"})), pb.Add(true), pb.Add(false),
		pb.Add(p.clock.UtcNow()), pb.Add(p.clock.UtcNow())),
		pb.Params()...)
	if err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}

	lpb := d.NewParamBuilder()
	_, err = store.Exec(ctx, p.store.DB,
		fmt.Sprintf(`INSERT INTO _user_groups (user_id, group_id, deleted) VALUES (%s, %s, %s)`,
			lpb.Add(userID), lpb.Add(groupID), lpb.Add(false)),
		lpb.Params()...)
	if err != nil {
		return fmt.Errorf("link admin user to group: %w", err)
	}

	log.Printf("WARNING seeded initial admin user %q with the configured password, change it", AdminUsername)
	return nil
}

// grantAdminRights gives the admin group all five flags on every registered
// table, and on every row of the menus table when one exists.
func (p *Provisioner) grantAdminRights(ctx context.Context, tenantID, groupID string) error {
	d := p.store.Dialect
	tableRows, err := store.QueryRows(ctx, p.store.DB,
		`SELECT id FROM _tables WHERE deleted = `+d.Placeholder(1), false)
	if err != nil {
		return fmt.Errorf("enumerate tables for grants: %w", err)
	}
	for _, row := range tableRows {
		if err := p.ensureGrant(ctx, tenantID, groupID, rights.TargetTable, store.RowString(row, "id")); err != nil {
			return err
		}
	}

	menuRows, err := store.QueryRows(ctx, p.store.DB,
		`SELECT id FROM _tables WHERE physical_name = `+d.Placeholder(1)+` AND deleted = `+d.Placeholder(2),
		"menus", false)
	if err != nil {
		return fmt.Errorf("lookup menus table: %w", err)
	}
	if len(menuRows) > 0 {
		ids, err := store.QueryRows(ctx, p.store.DB, `SELECT id FROM menus`)
		if err != nil {
			return fmt.Errorf("enumerate menus for grants: %w", err)
		}
		for _, row := range ids {
			if err := p.ensureGrant(ctx, tenantID, groupID, rights.TargetMenu, store.RowString(row, "id")); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Provisioner) ensureGrant(ctx context.Context, tenantID, groupID, target, subjectID string) error {
	d := p.store.Dialect
	rows, err := store.QueryRows(ctx, p.store.DB,
		`SELECT id FROM _rights WHERE group_id = `+d.Placeholder(1)+
			` AND target = `+d.Placeholder(2)+` AND subject_id = `+d.Placeholder(3),
		groupID, target, subjectID)
	if err != nil {
		return fmt.Errorf("lookup grant %s/%s: %w", target, subjectID, err)
	}
	if len(rows) > 0 {
		return nil
	}

	pb := d.NewParamBuilder()
	_, err = store.Exec(ctx, p.store.DB, fmt.Sprintf(
		`INSERT INTO _rights (id, tenant_id, group_id, target, subject_id,
		                      right1, right2, right3, right4, right5, deleted, created_at)
		 VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		pb.Add(uuid.NewString()), pb.Add(tenantID), pb.Add(groupID), pb.Add(target),
		pb.Add(subjectID), pb.Add(true), pb.Add(true), pb.Add(true), pb.Add(true),
		pb.Add(true), pb.Add(false), pb.Add(p.clock.UtcNow())),
		pb.Params()...)
	if err != nil {
		return fmt.Errorf("grant %s/%s: %w", target, subjectID, err)
	}
	return nil
}
