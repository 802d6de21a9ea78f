package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/makerstack/creditledger/internal/models"
	"github.com/makerstack/creditledger/internal/settings"
)

// ErrInvalidHolder reports a malformed holder reference.
var ErrInvalidHolder = errors.New("ledger: invalid holder")

// EnsureAccount returns the account for the given holder, creating it with
// the configured signup bonus when it does not exist yet. Creation is safe
// under races: the unique holder index makes the loser of a concurrent
// create re-read the winner's row.
func (e *Engine) EnsureAccount(ctx context.Context, holderType models.HolderType, externalRef string) (*models.Account, error) {
	if e == nil || e.db == nil {
		return nil, errors.New("ledger: engine not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	externalRef = strings.TrimSpace(externalRef)
	if !holderType.Valid() || externalRef == "" {
		return nil, ErrInvalidHolder
	}

	var account models.Account
	errFind := e.db.WithContext(ctx).
		Where("holder_type = ? AND external_ref = ?", holderType, externalRef).
		First(&account).Error
	if errFind == nil {
		return &account, nil
	}
	if !errors.Is(errFind, gorm.ErrRecordNotFound) {
		return nil, errFind
	}

	bonus := settings.SignupBonusCredits()
	now := time.Now().UTC()
	account = models.Account{
		HolderType:    holderType,
		ExternalRef:   externalRef,
		CreditBalance: bonus,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	errTx := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if errCreate := tx.Create(&account).Error; errCreate != nil {
			return errCreate
		}
		if bonus <= 0 {
			return nil
		}
		row := models.CreditTransaction{
			AccountID:    account.ID,
			Type:         models.TransactionTypeSignupBonus,
			Amount:       bonus,
			BalanceAfter: bonus,
			Description:  "signup bonus",
			Metadata:     marshalMetadata(nil, nil),
			CreatedAt:    now,
		}
		return tx.Create(&row).Error
	})
	if errTx == nil {
		return &account, nil
	}

	// A concurrent request may have created the holder first.
	var existing models.Account
	if errRetry := e.db.WithContext(ctx).
		Where("holder_type = ? AND external_ref = ?", holderType, externalRef).
		First(&existing).Error; errRetry == nil {
		return &existing, nil
	}
	return nil, errTx
}

// RegisterDeployment maps a deployment to its owning account so usage can be
// attributed. The first deployment an account registers triggers the
// one-time first deploy bonus inside the same transaction.
func (e *Engine) RegisterDeployment(ctx context.Context, accountID uint64, deploymentID, projectName string) (*models.Deployment, error) {
	if e == nil || e.db == nil {
		return nil, errors.New("ledger: engine not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	deploymentID = strings.TrimSpace(deploymentID)
	if deploymentID == "" {
		return nil, errors.New("ledger: empty deployment id")
	}
	if accountID == 0 {
		return nil, ErrAccountNotFound
	}

	var deployment models.Deployment
	errFind := e.db.WithContext(ctx).
		Where("deployment_id = ?", deploymentID).
		First(&deployment).Error
	if errFind == nil {
		return &deployment, nil
	}
	if !errors.Is(errFind, gorm.ErrRecordNotFound) {
		return nil, errFind
	}

	errTx := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, errLock := lockAccount(ctx, tx, accountID)
		if errLock != nil {
			return errLock
		}

		now := time.Now().UTC()
		deployment = models.Deployment{
			DeploymentID: deploymentID,
			AccountID:    account.ID,
			ProjectName:  strings.TrimSpace(projectName),
			CreatedAt:    now,
		}
		if errCreate := tx.Create(&deployment).Error; errCreate != nil {
			return errCreate
		}

		if account.FirstDeployBonusGranted {
			return nil
		}
		bonus := settings.FirstDeployBonusCredits()
		updates := map[string]any{
			"first_deploy_bonus_granted": true,
			"updated_at":                 now,
		}
		if bonus > 0 {
			updates["credit_balance"] = gorm.Expr("credit_balance + ?", bonus)
		}
		if errUpdate := tx.WithContext(ctx).
			Model(&models.Account{}).
			Where("id = ?", account.ID).
			Updates(updates).Error; errUpdate != nil {
			return errUpdate
		}
		if bonus <= 0 {
			return nil
		}
		row := models.CreditTransaction{
			AccountID:    account.ID,
			Type:         models.TransactionTypeFirstDeployBonus,
			Amount:       bonus,
			BalanceAfter: account.CreditBalance + bonus,
			Description:  "first deploy bonus",
			Metadata:     marshalMetadata(nil, nil),
			CreatedAt:    now,
		}
		return tx.Create(&row).Error
	})
	if errTx != nil {
		// A concurrent request may have registered the deployment first.
		var existing models.Deployment
		if errRetry := e.db.WithContext(ctx).
			Where("deployment_id = ?", deploymentID).
			First(&existing).Error; errRetry == nil {
			return &existing, nil
		}
		return nil, errTx
	}
	return &deployment, nil
}
