package studentdata

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"gakuenhub-backend/internal/db"
	"gakuenhub-backend/lib/scrapers/gakuen"
	"gakuenhub-backend/lib/testutil"
	"gakuenhub-backend/lib/timezone"

	"github.com/stretchr/testify/require"
)

const (
	webapiLoginPath    = "/uprx/webapi/up/pk/Pky001Resource/login"
	mobileLoginPath    = "/uprx/up/pk/pky501/Pky50101.xhtml"
	mobilePortalPath   = "/uprx/up/bs/bsa501/Bsa50101.xhtml"
	mobileDetailPath   = "/uprx/up/bs/bsa501/Bsa50102.xhtml"
	mobileReturnPath   = "/uprx/up/jg/jga505/Jga50503.xhtml"
	desktopLoginPath   = "/uprx/up/pk/pky001/Pky00101.xhtml"
	bulletinMenuPath   = "/uprx/webapi/up/ap/Apa004Resource/getJugyoKeijiMenuInfo"
	bulletinDetailPath = "/uprx/webapi/up/ap/Apa004Resource/getJugyoDetailInfo"
)

const tokenPage = `<html><body>
<input type="hidden" name="rx-token" value="token-m">
<input type="hidden" name="rx-loginKey" value="key-m">
<input type="hidden" name="rx-deviceKbn" value="s">
<input type="hidden" name="rx-loginType" value="1">
<input type="hidden" name="javax.faces.ViewState" value="vs-m">
</body></html>`

const listPage = `<html><body>
<input type="hidden" name="rx-token" value="token-m">
<input type="hidden" name="rx-loginKey" value="key-m">
<input type="hidden" name="rx-deviceKbn" value="s">
<input type="hidden" name="rx-loginType" value="1">
<input type="hidden" name="javax.faces.ViewState" value="vs-m">
<div class="mainContent"><ul>
<li><a id="pmPage:funcForm:j_idt81:0:j_idt87" href="#">課題あり</a></li>
</ul></div>
</body></html>`

const detailPage = `<html><body>
<input type="hidden" name="rx-token" value="token-m">
<input type="hidden" name="rx-loginKey" value="key-m">
<input type="hidden" name="rx-deviceKbn" value="s">
<input type="hidden" name="rx-loginType" value="1">
<input type="hidden" name="javax.faces.ViewState" value="vs-m">
<div class="jugyoInfo">
	<span class="nendoGakkiDisp">2025年度 前期</span>
	<span class="nendoGakkiDisp">データ構造</span>
	<span>[CS101]</span>
</div>
<ul class="tableData">
	<li><label>課題名</label></li><li>要約レポート</li>
	<li><label>課題提出期間</label></li>
	<li><span>2025/07/01(火) 00:00</span><span>～</span><span>2025/07/31(木) 23:59</span></li>
</ul>
</body></html>`

const desktopHomePage = `<html><body>
<form id="funcForm">
<input type="hidden" name="rx-token" value="token-d">
<input type="hidden" name="rx-loginKey" value="key-d">
<input type="hidden" name="rx-deviceKbn" value="p">
<input type="hidden" name="rx-loginType" value="0">
<input type="hidden" name="javax.faces.ViewState" value="vs-d">
</form>
<script id="funcForm:j_idt361" type="text/javascript">PrimeFaces.cw("Schedule",{id:"funcForm:j_idt361"});</script>
<div id="portalSupport"><ul><li><a href="#funcForm:j_idt540">課題</a></li></ul></div>
<div class="lessonHead"><span>月1</span></div>
<div class="lessonMain">
	<p>データ構造</p>
	<div class="lessonDetail"><a href="#">佐藤　花子</a><div>202教室</div></div>
</div>
<div class="lessonHead"><span>火2</span></div>
<div class="lessonMain">
	<p>体育</p>
	<div class="lessonDetail"><a href="#">山田　太郎</a><div>体育館</div></div>
</div>
</body></html>`

type fakePortal struct {
	rejectLight atomic.Bool
	walks       atomic.Int64
}

func (p *fakePortal) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case webapiLoginPath:
			w.Write([]byte(url.QueryEscape(
				`{"data":{"encryptedPassword":"enc-1"},"statusDto":{"messageList":[]}}`,
			)))
		case mobileLoginPath:
			if r.Method == http.MethodGet {
				w.Write([]byte("<html><body>redirecting</body></html>"))
				return
			}
			if p.rejectLight.Load() {
				w.Write([]byte(`<html><body>
					<span class="ui-messages-error-detail">認証に失敗しました。</span>
				</body></html>`))
				return
			}
			w.Write([]byte(tokenPage))
		case mobilePortalPath:
			w.Write([]byte(listPage))
		case mobileDetailPath:
			p.walks.Add(1)
			w.Write([]byte(detailPage))
		case mobileReturnPath:
			w.Write([]byte(tokenPage))
		case desktopLoginPath:
			w.Write([]byte(desktopHomePage))
		case bulletinMenuPath:
			w.Write([]byte(url.QueryEscape(
				`{"data":{"jgkmDtoList":[{"jugyoName":"データ構造","jugyoCd":"CS101"},{"jugyoName":"簿記論","jugyoCd":"AC201"}]},"statusDto":{"messageList":[]}}`,
			)))
		case bulletinDetailPath:
			w.Write([]byte(url.QueryEscape(
				`{"data":{"attInfoDtoList":[{"shusekiKaisu":12,"kessekiKaisu":1,"chikokKaisu":2,"sotaiKaisu":0,"koketsuKaisu":3}]},"statusDto":{"messageList":[]}}`,
			)))
		default:
			http.NotFound(w, r)
		}
	})
}

type staticClassroom struct {
	records []gakuen.AssignmentRecord
	err     error
}

func (s staticClassroom) Assignments(ctx context.Context, userID string) ([]gakuen.AssignmentRecord, error) {
	return s.records, s.err
}

func setupServiceTest(t *testing.T, portal *fakePortal, classroom ClassroomSource) (Service, *db.Queries) {
	result, cleanup := testutil.SetupService(t, testutil.ServiceParams{
		Name:     "services/studentdata",
		DbSchema: db.Schema,
	})
	t.Cleanup(cleanup)

	server := httptest.NewServer(portal.handler())
	t.Cleanup(server.Close)

	service := NewService(result.DB, Options{
		BaseURL:   server.URL,
		Classroom: classroom,
	})
	return service, db.New(result.DB)
}

func TestRegisterUser(t *testing.T) {
	portal := &fakePortal{}
	service, qry := setupServiceTest(t, portal, nil)
	ctx := context.Background()

	err := service.RegisterUser(ctx, "s123456", "hunter2", "device-a")
	require.NoError(t, err)

	user, err := qry.GetUser(ctx, "s123456")
	require.NoError(t, err)
	require.Equal(t, "enc-1", user.EncryptedPassword)
	require.Equal(t, "device-a", user.DeviceToken)

	users, err := service.Users(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)

	require.NoError(t, service.RemoveUser(ctx, "device-a"))
	_, err = qry.GetUser(ctx, "s123456")
	require.ErrorIs(t, err, sql.ErrNoRows)
}

func TestGetAssignmentsMergesAndCaches(t *testing.T) {
	portal := &fakePortal{}
	external := staticClassroom{records: []gakuen.AssignmentRecord{{
		ID:         "w1",
		CourseName: "Academic Writing",
		Title:      "Essay draft",
		DueDate:    "2031-01-01",
		DueTime:    "23:59",
	}}}
	service, _ := setupServiceTest(t, portal, external)
	ctx := context.Background()

	require.NoError(t, service.RegisterUser(ctx, "s123456", "hunter2", "device-a"))

	records, err := service.GetAssignments(ctx, "s123456")
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "要約レポート", records[0].Title)
	require.Equal(t, "Essay draft", records[1].Title)

	// second call is served from the result cache
	walksBefore := portal.walks.Load()
	records, err = service.GetAssignments(ctx, "s123456")
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, walksBefore, portal.walks.Load())
}

func TestGetAssignmentsClassroomFailureDegrades(t *testing.T) {
	portal := &fakePortal{}
	service, _ := setupServiceTest(t, portal, staticClassroom{err: fmt.Errorf("no tokens")})
	ctx := context.Background()

	require.NoError(t, service.RegisterUser(ctx, "s123456", "hunter2", "device-a"))

	records, err := service.GetAssignments(ctx, "s123456")
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "要約レポート", records[0].Title)
}

func TestRejectedCredentialDeactivatesUser(t *testing.T) {
	portal := &fakePortal{}
	service, qry := setupServiceTest(t, portal, nil)
	ctx := context.Background()

	require.NoError(t, service.RegisterUser(ctx, "s123456", "hunter2", "device-a"))
	require.NoError(t, qry.UpsertUserTokens(ctx, db.UpsertUserTokensParams{
		UserID:       "s123456",
		RefreshToken: "refresh-1",
		AccessToken:  "access-1",
		ExpiresAt:    timezone.Now().Unix(),
	}))

	portal.rejectLight.Store(true)
	_, err := service.GetAssignments(ctx, "s123456")
	require.Error(t, err)
	require.Equal(t, gakuen.KindLogin, gakuen.KindOf(err))

	// the user row and the linked oauth tokens go away together
	_, err = qry.GetUser(ctx, "s123456")
	require.ErrorIs(t, err, sql.ErrNoRows)
	_, err = qry.GetUserTokens(ctx, "s123456")
	require.ErrorIs(t, err, sql.ErrNoRows)
}

func TestGetRosterMergesAttendance(t *testing.T) {
	portal := &fakePortal{}
	service, _ := setupServiceTest(t, portal, nil)

	roster, err := service.GetRoster(context.Background(), "s123456", "hunter2")
	require.NoError(t, err)
	require.Len(t, roster, 2)

	// the first lesson has a matching bulletin course, the second does
	// not and stays bare
	require.Equal(t, "データ構造", roster[0].Title)
	require.NotNil(t, roster[0].Attendance)
	require.Equal(t, gakuen.AttendanceSummary{
		Present:   12,
		Absent:    1,
		Late:      2,
		LeftEarly: 0,
		Excused:   3,
	}, *roster[0].Attendance)

	require.Equal(t, "体育", roster[1].Title)
	require.Nil(t, roster[1].Attendance)
}

func TestGetAssignmentsUnknownUser(t *testing.T) {
	portal := &fakePortal{}
	service, _ := setupServiceTest(t, portal, nil)

	_, err := service.GetAssignments(context.Background(), "ghost")
	require.Error(t, err)
}
