// Package facilitator решает, в каком режиме выполняется узел плана.
//
// Registry строится один раз при старте и дальше только читается.
// Для узла пробуются кандидаты в фиксированном порядке:
//
//  1. фасилитатор, явно указанный в узле (PlanNode.FacilitatorType)
//  2. фасилитаторы по умолчанию для типа шага (Config.StepDefaults)
//
// Побеждает первый, вернувший IsSuccessful. Если не подошёл ни один,
// возвращается ErrNoFacilitator — это ошибка конфигурации, узел
// завершается ERRORED без повторов.
package facilitator
