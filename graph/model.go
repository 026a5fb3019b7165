package graph

import "bitbucket.org/mmdatafocus/audit_backend/models"

type sessionArgs struct {
	SessionId string `json:"sessionId"`
}

type departmentArgs struct {
	SessionId  string `json:"sessionId"`
	Department string `json:"department"`
}

type activeSessionArgs struct {
	PropertyId *string `json:"propertyId"`
}

type myScansArgs struct {
	SessionId string `json:"sessionId"`
	Limit     int    `json:"limit"`
}

type departmentsArgs struct {
	SessionId   string   `json:"sessionId"`
	Departments []string `json:"departments"`
	PropertyId  *string  `json:"propertyId"`
}

type reportArgs struct {
	ID string `json:"id"`
}

type limitArgs struct {
	Limit int `json:"limit"`
}

type propertyArgs struct {
	PropertyId string `json:"propertyId"`
}

type userArgs struct {
	UserId string `json:"userId"`
}

type startSessionArgs struct {
	Input models.NewAuditSession `json:"input"`
}

type submitArgs struct {
	SessionId   string  `json:"sessionId"`
	Department  string  `json:"department"`
	SubmittedBy *string `json:"submittedBy"`
}

type upsertReviewsArgs struct {
	SessionId  string               `json:"sessionId"`
	Department string               `json:"department"`
	Rows       []models.ReviewInput `json:"rows"`
}

type verifyScanArgs struct {
	SessionId string         `json:"sessionId"`
	Input     models.NewScan `json:"input"`
}

type generateReportArgs struct {
	SessionId   string   `json:"sessionId"`
	Departments []string `json:"departments"`
}

type setInchargeArgs struct {
	PropertyId string                  `json:"propertyId"`
	Input      models.NewAuditIncharge `json:"input"`
}

type setUserInchargesArgs struct {
	UserId string                  `json:"userId"`
	Input  models.NewUserIncharges `json:"input"`
}

type SessionStopResult struct {
	ID       string `json:"id"`
	IsActive bool   `json:"isActive"`
	Degraded bool   `json:"degraded"`
}

type AssignmentWriteResult struct {
	Assignment *models.AuditAssignment `json:"assignment"`
	Degraded   bool                    `json:"degraded"`
}

type ReviewWriteResult struct {
	Saved    int  `json:"saved"`
	Degraded bool `json:"degraded"`
}

type ScanWriteResult struct {
	Entry    *models.ScanLogEntry `json:"entry"`
	Degraded bool                 `json:"degraded"`
}

type InchargeWriteResult struct {
	Incharge *models.AuditIncharge `json:"incharge"`
	Degraded bool                  `json:"degraded"`
}

type UserInchargesWriteResult struct {
	Incharges []*models.AuditIncharge `json:"incharges"`
	Degraded  bool                    `json:"degraded"`
}

type GenerateReportResult struct {
	Report       *models.AuditReport `json:"report"`
	LimitReached bool                `json:"limitReached"`
}

type DepartmentSummary struct {
	Department string `json:"department"`
	models.StatusCounts
	Total int `json:"total"`
}

type DepartmentAssetTotal struct {
	Department string `json:"department"`
	Total      int    `json:"total"`
}
