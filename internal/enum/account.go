package enum

type AccountStatus string

const (
	AccountStatusActive     AccountStatus = "active"
	AccountStatusSyncing    AccountStatus = "syncing"
	AccountStatusAuthFailed AccountStatus = "auth_failed"
	AccountStatusDisabled   AccountStatus = "disabled"
)

func (e AccountStatus) String() string {
	return string(e)
}
