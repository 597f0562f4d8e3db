package rights

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lattice-backend/internal/cache"
	"lattice-backend/internal/config"
	"lattice-backend/internal/store"
)

type fixture struct {
	st     *store.Store
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.New(ctx, config.DatabaseConfig{
		Driver: "sqlite",
		Path:   t.TempDir(),
		Name:   "rights_test",
	})
	require.NoError(t, err)
	t.Cleanup(st.Close)
	require.NoError(t, st.CreateSystemTables(ctx))

	return &fixture{st: st, engine: New(st, cache.NewMemory(), time.Minute)}
}

func (f *fixture) addUser(t *testing.T, tenantID string) string {
	t.Helper()
	id := uuid.NewString()
	pb := f.st.Dialect.NewParamBuilder()
	_, err := store.Exec(context.Background(), f.st.DB,
		fmt.Sprintf(`INSERT INTO _users (id, tenant_id, username, password_hash, active, deleted)
		              VALUES (%s, %s, %s, %s, %s, %s)`,
			pb.Add(id), pb.Add(tenantID), pb.Add("user-"+id), pb.Add("x"),
			pb.Add(true), pb.Add(false)),
		pb.Params()...)
	require.NoError(t, err)
	return id
}

func (f *fixture) addGroup(t *testing.T, tenantID, name string) string {
	t.Helper()
	id := uuid.NewString()
	pb := f.st.Dialect.NewParamBuilder()
	_, err := store.Exec(context.Background(), f.st.DB,
		fmt.Sprintf(`INSERT INTO _groups (id, tenant_id, name, deleted) VALUES (%s, %s, %s, %s)`,
			pb.Add(id), pb.Add(tenantID), pb.Add(name), pb.Add(false)),
		pb.Params()...)
	require.NoError(t, err)
	return id
}

func (f *fixture) addMember(t *testing.T, userID, groupID string) {
	t.Helper()
	pb := f.st.Dialect.NewParamBuilder()
	_, err := store.Exec(context.Background(), f.st.DB,
		fmt.Sprintf(`INSERT INTO _user_groups (user_id, group_id, deleted) VALUES (%s, %s, %s)`,
			pb.Add(userID), pb.Add(groupID), pb.Add(false)),
		pb.Params()...)
	require.NoError(t, err)
}

func (f *fixture) addRight(t *testing.T, tenantID, groupID, target, subjectID string, flags Flags) {
	t.Helper()
	pb := f.st.Dialect.NewParamBuilder()
	_, err := store.Exec(context.Background(), f.st.DB,
		fmt.Sprintf(`INSERT INTO _rights (id, tenant_id, group_id, target, subject_id,
		              right1, right2, right3, right4, right5, deleted)
		              VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
			pb.Add(uuid.NewString()), pb.Add(tenantID), pb.Add(groupID), pb.Add(target),
			pb.Add(subjectID), pb.Add(flags.View), pb.Add(flags.Add), pb.Add(flags.Edit),
			pb.Add(flags.Remove), pb.Add(flags.Execute), pb.Add(false)),
		pb.Params()...)
	require.NoError(t, err)
}

func (f *fixture) removeGroup(t *testing.T, groupID string) {
	t.Helper()
	pb := f.st.Dialect.NewParamBuilder()
	_, err := store.Exec(context.Background(), f.st.DB,
		fmt.Sprintf(`UPDATE _groups SET deleted = %s WHERE id = %s`,
			pb.Add(true), pb.Add(groupID)),
		pb.Params()...)
	require.NoError(t, err)
}

func TestRightsMergeWithOr(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenant := uuid.NewString()
	user := f.addUser(t, tenant)

	// group A denies edit, group B grants it; the user must end up with it
	groupA := f.addGroup(t, tenant, "Readers")
	groupB := f.addGroup(t, tenant, "Editors")
	f.addMember(t, user, groupA)
	f.addMember(t, user, groupB)
	f.addRight(t, tenant, groupA, TargetTable, "tbl-1", Flags{View: true})
	f.addRight(t, tenant, groupB, TargetTable, "tbl-1", Flags{Edit: true})

	merged, err := f.engine.GetUserRights(ctx, user, tenant)
	require.NoError(t, err)

	flags := merged[Key{Target: TargetTable, SubjectID: "tbl-1"}]
	assert.True(t, flags.View)
	assert.True(t, flags.Edit)
	assert.False(t, flags.Remove)

	ok, err := f.engine.HasRight(ctx, user, tenant, TargetTable, "tbl-1", FlagEdit)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAbsentRightMeansNoAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ok, err := f.engine.HasRight(ctx, uuid.NewString(), uuid.NewString(), TargetTable, "tbl-1", FlagView)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRightsAreTenantScoped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenantA, tenantB := uuid.NewString(), uuid.NewString()
	user := f.addUser(t, tenantA)

	group := f.addGroup(t, tenantA, "Editors")
	f.addMember(t, user, group)
	f.addRight(t, tenantA, group, TargetTable, "tbl-1", Flags{View: true})

	ok, err := f.engine.HasRight(ctx, user, tenantB, TargetTable, "tbl-1", FlagView)
	require.NoError(t, err)
	assert.False(t, ok, "a right in tenant A grants nothing in tenant B")
}

func TestInvalidateCacheMakesChangesVisible(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenant := uuid.NewString()
	user := f.addUser(t, tenant)

	group := f.addGroup(t, tenant, "Editors")
	f.addMember(t, user, group)

	ok, err := f.engine.HasRight(ctx, user, tenant, TargetTable, "tbl-1", FlagView)
	require.NoError(t, err)
	require.False(t, ok)

	// grant after the map is cached: stale until invalidated
	f.addRight(t, tenant, group, TargetTable, "tbl-1", Flags{View: true})
	ok, err = f.engine.HasRight(ctx, user, tenant, TargetTable, "tbl-1", FlagView)
	require.NoError(t, err)
	assert.False(t, ok, "cached map still served")

	f.engine.InvalidateCache(user)
	ok, err = f.engine.HasRight(ctx, user, tenant, TargetTable, "tbl-1", FlagView)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAuthorizedMenuIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenant := uuid.NewString()
	user := f.addUser(t, tenant)

	group := f.addGroup(t, tenant, "Users")
	f.addMember(t, user, group)
	f.addRight(t, tenant, group, TargetMenu, "menu-b", Flags{View: true})
	f.addRight(t, tenant, group, TargetMenu, "menu-a", Flags{View: true})
	f.addRight(t, tenant, group, TargetMenu, "menu-hidden", Flags{Edit: true}) // no view
	f.addRight(t, tenant, group, TargetTable, "tbl-1", Flags{View: true})

	ids, err := f.engine.AuthorizedMenuIDs(ctx, user, tenant)
	require.NoError(t, err)
	assert.Equal(t, []string{"menu-a", "menu-b"}, ids)
}

func TestSoftDeletedGroupGrantsNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenant := uuid.NewString()
	user := f.addUser(t, tenant)

	group := f.addGroup(t, tenant, "Editors")
	f.addMember(t, user, group)
	f.addRight(t, tenant, group, TargetTable, "tbl-1", Flags{View: true})

	ok, err := f.engine.HasRight(ctx, user, tenant, TargetTable, "tbl-1", FlagView)
	require.NoError(t, err)
	require.True(t, ok)

	f.removeGroup(t, group)
	f.engine.InvalidateCache(user)

	ok, err = f.engine.HasRight(ctx, user, tenant, TargetTable, "tbl-1", FlagView)
	require.NoError(t, err)
	assert.False(t, ok, "rights granted through a removed group must lapse")
}
