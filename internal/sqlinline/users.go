package sqlinline

const QSelectUserCredits = `--sql b4315539-08a0-4405-a36d-f536ac12e86d
select credits from users where id = $1::uuid limit 1;
`

const QSelectUserByEmail = `--sql a7bfc25d-3d00-4b7d-a20d-ebed47155cb7
select id, email, credits, coalesce(plan, 'free'), created_at, updated_at
from users
where lower(email) = lower($1::text)
limit 1;
`

const QAdjustUserCredits = `--sql 9ff831ef-7651-4ede-93a9-c9257945432e
update users
set credits = credits + $2::int, updated_at = now()
where id = $1::uuid
returning credits;
`
