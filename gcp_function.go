package idp_user_mgr

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/cloudevents/sdk-go/v2/event"
	ksm "github.com/keeper-security/secrets-manager-go/core"
	log "github.com/sirupsen/logrus"

	"keepersecurity.com/idp-user-mgr/idp"
)

func init() {
	// Register an HTTP function with the Functions Framework
	functions.HTTP("IdpUserSyncHttp", idpUserSyncHttp)
	functions.CloudEvent("IdpUserSyncPubSub", idpUserSyncPubSub)
}

const ksmConfigName = "KSM_CONFIG_BASE64"
const ksmRecordUid = "KSM_RECORD_UID"

func runUserSync(ctx context.Context) (stat *idp.SyncStat, err error) {
	var configBase64 = os.Getenv(ksmConfigName)
	if len(configBase64) == 0 {
		err = fmt.Errorf("environment variable %q is not set", ksmConfigName)
		log.Error(err)
		return
	}

	var config = ksm.NewMemoryKeyValueStorage(configBase64)
	var sm = ksm.NewSecretsManager(&ksm.ClientOptions{
		Config: config,
	})

	var filter []string
	var recordUid = os.Getenv(ksmRecordUid)
	if len(recordUid) > 0 {
		filter = append(filter, recordUid)
	}

	var records []*ksm.Record
	if records, err = sm.GetSecrets(filter); err != nil {
		log.Error(err)
		return
	}

	var syncRecord = idp.FindSyncRecord(records)
	if syncRecord == nil {
		err = fmt.Errorf("no suitable record found: it must be a login record pointing at the Authentik API with a users.yaml attachment, shared to the KSM application")
		log.Error(err)
		return
	}

	var params *idp.SyncParameters
	if params, err = idp.LoadParametersFromRecord(syncRecord); err != nil {
		log.Error(err)
		return
	}

	var directory idp.IDirectory
	if directory, err = idp.NewAuthentikDirectory(ctx,
		params.App.AuthentikURL,
		params.App.AuthentikToken,
		params.App.InvitationFlowSlug,
		time.Duration(params.App.InvitationExpiryDays)*24*time.Hour); err != nil {
		log.Error(err)
		return
	}

	var notifier idp.INotifier
	if params.App.Smtp != nil {
		notifier = idp.NewSmtpNotifier(params.App.Smtp, params.App.AuthentikTitle)
	}

	var userSync = idp.NewUserSync(directory, notifier, params.Users, params.Dry)
	if stat, err = userSync.Sync(ctx); err == nil {
		idp.WriteReport(os.Stdout, stat)
	}
	return
}

// Function idpUserSyncHttp is an HTTP handler
func idpUserSyncHttp(w http.ResponseWriter, r *http.Request) {
	var stat, err = runUserSync(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	idp.WriteReport(w, stat)
}

// idpUserSyncPubSub consumes a CloudEvent message from Pub/Sub.
func idpUserSyncPubSub(ctx context.Context, _ event.Event) (err error) {
	_, err = runUserSync(ctx)
	return
}
