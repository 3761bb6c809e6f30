package core

// PatientRegistration is the full patient form. Every field is mandatory.
type PatientRegistration struct {
	Name                   string `json:"name" form:"name" validate:"required,max=120"`
	Password               string `json:"password" form:"password" validate:"required,min=6,max=72"`
	BirthDate              string `json:"birthDate" form:"birthDate" validate:"required,calendardate"`
	Address                string `json:"address" form:"address" validate:"required"`
	PostalCode             string `json:"postalCode" form:"postalCode" validate:"required"`
	Phone                  string `json:"phone" form:"phone" validate:"required"`
	InjuryDuration         string `json:"injuryDuration" form:"injuryDuration" validate:"required"`
	HasDiabetes            *bool  `json:"hasDiabetes" form:"hasDiabetes" validate:"required"`
	HasCancerHistory       *bool  `json:"hasCancerHistory" form:"hasCancerHistory" validate:"required"`
	AntiInflammatoryFailed *bool  `json:"antiInflammatoryFailed" form:"antiInflammatoryFailed" validate:"required"`
	Image                  []byte `json:"-" form:"-" validate:"required,min=1"`
}

type AgentRegistration struct {
	Name       string `json:"name" validate:"required,max=120"`
	Password   string `json:"password" validate:"required,min=6,max=72"`
	Address    string `json:"address"`
	PostalCode string `json:"postalCode"`
	Area       string `json:"area" validate:"required"`
	MicroArea  int    `json:"microArea" validate:"min=1"`
}

type PhysicianRegistration struct {
	Name     string `json:"name" validate:"required,max=120"`
	Password string `json:"password" validate:"required,min=6,max=72"`
	Hospital string `json:"hospital" validate:"required"`
}

type LoginRequest struct {
	Name     string `json:"name" validate:"required"`
	Password string `json:"password" validate:"required"`
}
